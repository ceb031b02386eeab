// Package view derives the set of available client actions from the current
// view and a live state snapshot. Render is pure: feasibility is always
// recomputed from the snapshot, never stored, and an infeasible action is
// absent rather than disabled.
package view

import (
	"fmt"
	"sort"

	"github.com/harpoon-ops/harpoon/internal/projector"
)

// View identifies a client screen.
type View string

const (
	ViewHome       View = "home"
	ViewPrimary    View = "primary"
	ViewSubTargets View = "sub_targets"
	ViewHelp       View = "help"
)

// Valid reports whether v names a known view.
func (v View) Valid() bool {
	switch v {
	case ViewHome, ViewPrimary, ViewSubTargets, ViewHelp:
		return true
	}
	return false
}

// ActionKind distinguishes navigation from command submission.
type ActionKind string

const (
	KindNavigate ActionKind = "navigate"
	KindExecute  ActionKind = "execute"
)

// Action is one control the client may present.
type Action struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Kind      ActionKind `json:"kind"`
	Target    View       `json:"target,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Argument  string     `json:"argument,omitempty"`
}

// DefaultEnvironment is the install argument used when none was chosen.
const DefaultEnvironment = "dev"

// State is the client-side navigation state. The current view changes only
// through Navigate, never as a side effect of a snapshot refresh.
type State struct {
	Current     View
	Environment string
}

// NewState starts at Home with the default environment.
func NewState() State {
	return State{Current: ViewHome, Environment: DefaultEnvironment}
}

// Navigate moves to the target view. SubTargets is unreachable until the
// primary target is installed.
func (s *State) Navigate(target View, snap projector.Snapshot) error {
	if !target.Valid() {
		return fmt.Errorf("view: unknown view %q", target)
	}
	if target == ViewSubTargets && !snap.PrimaryInstalled {
		return fmt.Errorf("view: %s is unreachable until the primary target is installed", target)
	}
	s.Current = target
	return nil
}

// Render returns the actions for the current view against the snapshot.
func (s State) Render(snap projector.Snapshot) []Action {
	return Render(s.Current, snap, s.Environment)
}

// Render derives the action set for a view from a snapshot. The result is a
// pure function of its inputs.
func Render(current View, snap projector.Snapshot, environment string) []Action {
	if environment == "" {
		environment = DefaultEnvironment
	}

	switch current {
	case ViewHome:
		actions := []Action{
			navigate(ViewPrimary, "Primary target"),
			navigate(ViewHelp, "Help"),
		}
		if snap.PrimaryInstalled {
			// Insert before Help to keep navigation grouped.
			actions = []Action{
				navigate(ViewPrimary, "Primary target"),
				navigate(ViewSubTargets, "Services"),
				navigate(ViewHelp, "Help"),
			}
		} else {
			actions = append(actions, Action{
				ID:        "install-primary",
				Label:     "Create primary target",
				Kind:      KindExecute,
				Operation: "install",
				Argument:  environment,
			})
		}
		return actions

	case ViewPrimary:
		if !snap.PrimaryInstalled {
			return []Action{{
				ID:        "install-primary",
				Label:     "Install",
				Kind:      KindExecute,
				Operation: "install",
				Argument:  environment,
			}}
		}
		return []Action{
			{ID: "run-check", Label: "Run check", Kind: KindExecute, Operation: "test"},
			{ID: "status", Label: "Status", Kind: KindExecute, Operation: "status"},
			{ID: "destroy", Label: "Destroy", Kind: KindExecute, Operation: "clean"},
		}

	case ViewSubTargets:
		if !snap.PrimaryInstalled {
			return nil
		}
		names := make([]string, 0, len(snap.SubTargets))
		for name := range snap.SubTargets {
			names = append(names, name)
		}
		sort.Strings(names)

		var actions []Action
		for _, name := range names {
			if snap.SubTargets[name] {
				continue
			}
			actions = append(actions, Action{
				ID:        "install-" + name,
				Label:     "Install " + name,
				Kind:      KindExecute,
				Operation: "verify-install",
				Argument:  name,
			})
		}
		return actions

	case ViewHelp:
		return nil

	default:
		return nil
	}
}

func navigate(target View, label string) Action {
	return Action{
		ID:     "nav-" + string(target),
		Label:  label,
		Kind:   KindNavigate,
		Target: target,
	}
}
