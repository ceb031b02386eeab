// Package whitelist decides whether a requested operation is allowed to run.
//
// The whitelist is loaded once at startup and read-only afterwards, so
// Validate is safe to call from any goroutine without locking.
package whitelist

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/harpoon-ops/harpoon/internal/config/store"
	"github.com/harpoon-ops/harpoon/internal/validate"
)

// Reason identifies why a submission was rejected. Values are stable wire
// codes consumed by clients.
type Reason string

const (
	ReasonInvalidName     Reason = "invalid_name"
	ReasonInvalidArgument Reason = "invalid_argument"
	ReasonNotWhitelisted  Reason = "not_whitelisted"
)

// Rejection is a typed validation failure. It is a value, not a fault:
// callers branch on Reason and surface Message to the user.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// Entry is one permitted operation with its argument policy. An empty
// Arguments set with a nil Pattern means the operation takes no argument.
type Entry struct {
	Name        string
	Description string
	Arguments   []string
	Pattern     *regexp.Regexp // Alternative to Arguments: any matching value is allowed
	Interactive bool
}

// AllowsArgument reports whether arg is acceptable for this entry.
func (e Entry) AllowsArgument(arg string) bool {
	if arg == "" {
		return len(e.Arguments) == 0 && e.Pattern == nil
	}
	if e.Pattern != nil {
		return e.Pattern.MatchString(arg)
	}
	for _, allowed := range e.Arguments {
		if allowed == arg {
			return true
		}
	}
	return false
}

// Whitelist is the immutable set of permitted operations.
type Whitelist struct {
	entries map[string]Entry
	order   []string
}

// New builds a whitelist from the given entries. Later duplicates override
// earlier ones.
func New(entries []Entry) *Whitelist {
	w := &Whitelist{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		if _, seen := w.entries[entry.Name]; !seen {
			w.order = append(w.order, entry.Name)
		}
		w.entries[entry.Name] = entry
	}
	return w
}

// FromStore builds a whitelist from persisted configuration entries.
func FromStore(rows []store.WhitelistEntry) *Whitelist {
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			Name:        row.Name,
			Description: row.Description,
			Arguments:   append([]string(nil), row.Arguments...),
			Interactive: row.Interactive,
		})
	}
	return New(entries)
}

// Validate checks a requested operation name and optional argument. On
// success it returns the matching entry and a nil Rejection; on failure the
// Rejection describes the first check that did not pass and the entry is
// zero.
func (w *Whitelist) Validate(name, argument string) (Entry, *Rejection) {
	if !validate.OpName(name) {
		return Entry{}, &Rejection{
			Reason:  ReasonInvalidName,
			Message: "operation name is empty or contains disallowed characters",
		}
	}

	if argument != "" && !validate.OpName(argument) {
		return Entry{}, &Rejection{
			Reason:  ReasonInvalidArgument,
			Message: "argument contains disallowed characters",
		}
	}

	entry, ok := w.entries[name]
	if !ok {
		return Entry{}, &Rejection{
			Reason:  ReasonNotWhitelisted,
			Message: fmt.Sprintf("operation %q is not whitelisted", name),
		}
	}

	if !entry.AllowsArgument(argument) {
		return Entry{}, &Rejection{
			Reason:  ReasonInvalidArgument,
			Message: fmt.Sprintf("argument %q is not permitted for operation %q", argument, name),
		}
	}

	return entry, nil
}

// Lookup returns the entry for name without argument validation.
func (w *Whitelist) Lookup(name string) (Entry, bool) {
	entry, ok := w.entries[name]
	return entry, ok
}

// Entries returns all entries in configuration order.
func (w *Whitelist) Entries() []Entry {
	result := make([]Entry, 0, len(w.order))
	for _, name := range w.order {
		result = append(result, w.entries[name])
	}
	return result
}

// Names returns the sorted operation names, for logs and error messages.
func (w *Whitelist) Names() []string {
	names := make([]string, 0, len(w.entries))
	for name := range w.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
