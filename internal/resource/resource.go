// Package resource converges declared host resources in order and propagates
// change notifications between them.
//
// Ownership boundary:
// - the resource model (one typed spec per kind)
// - guard evaluation and action dispatch
// - immediate and delayed notification chains
// - the per-run report
package resource

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/service"
)

var (
	ErrInvalidResource     = errors.New("resource: invalid resource")
	ErrDuplicateResource   = errors.New("resource: duplicate resource")
	ErrUnsupportedAction   = errors.New("resource: unsupported action")
	ErrUnknownTarget       = errors.New("resource: unknown notification target")
	ErrNotificationLoop    = errors.New("resource: immediate notification loop")
	ErrMissingCollaborator = errors.New("resource: missing collaborator")
)

type Action string

const (
	ActionNothing         Action = "nothing"
	ActionCreate          Action = "create"
	ActionCreateIfMissing Action = "create_if_missing"
	ActionDelete          Action = "delete"
	ActionRender          Action = "render"
	ActionRun             Action = "run"
	ActionInstall         Action = "install"
	ActionAppend          Action = "append"
	ActionEnable          Action = "enable"
	ActionDisable         Action = "disable"
	ActionStart           Action = "start"
	ActionStop            Action = "stop"
	ActionRestart         Action = "restart"
	ActionReload          Action = "reload"
	ActionStatus          Action = "status"
)

type Timing string

const (
	Delayed   Timing = "delayed"
	Immediate Timing = "immediate"
)

// Notification asks Target (a resource ID) to run Action when the notifying
// resource changed.
type Notification struct {
	Target string
	Action Action
	Timing Timing
}

// Predicate is a guard evaluated right before an action runs.
type Predicate func() (bool, error)

// Resource is one declared piece of host state. ID is kind[name].
type Resource struct {
	ID       string
	Actions  []Action
	Spec     Spec
	NotIf    Predicate
	OnlyIf   Predicate
	Notifies []Notification
	// IgnoreFailure records a failed action and keeps converging.
	IgnoreFailure bool
}

// ID formats a resource identifier.
func ID(kind string, name string) string {
	return kind + "[" + name + "]"
}

// New builds a resource whose ID is derived from the spec kind.
func New(name string, spec Spec, actions ...Action) Resource {
	return Resource{ID: ID(spec.Kind(), name), Spec: spec, Actions: actions}
}

// Notify appends a notification and returns the resource for chaining.
func (r Resource) Notify(target string, action Action, timing Timing) Resource {
	r.Notifies = append(r.Notifies, Notification{Target: target, Action: action, Timing: timing})
	return r
}

func (r Resource) When(onlyIf Predicate) Resource {
	r.OnlyIf = onlyIf
	return r
}

func (r Resource) Unless(notIf Predicate) Resource {
	r.NotIf = notIf
	return r
}

// Spec is the typed desired state of one resource kind. The set of kinds is
// closed; the engine dispatches on the concrete type.
type Spec interface {
	Kind() string
	actions() []Action
}

type UserSpec struct {
	Name       string
	Group      string
	Home       string
	Shell      string
	Comment    string
	System     bool
	CreateHome bool
}

type GroupSpec struct {
	Name   string
	GID    int
	System bool
}

type DirectorySpec struct {
	Path      string
	Mode      os.FileMode
	Owner     string
	Group     string
	Recursive bool
}

type LinkSpec struct {
	Path   string
	Target string
}

// FileSpec holds fully rendered content; rendering happens when the plan is
// built so the engine compares bytes only.
type FileSpec struct {
	Path    string
	Content []byte
	Mode    os.FileMode
	Owner   string
	Group   string
}

type RemoteFileSpec struct {
	Path     string
	URL      string
	Checksum string
	Mode     os.FileMode
	Owner    string
	Group    string
}

// ExecuteSpec runs a command. When Creates exists the command is skipped.
type ExecuteSpec struct {
	Command string
	Args    []string
	Creates string
}

type InstallSpec struct {
	Install install.Spec
}

type ServiceSpec struct {
	Unit service.Unit
}

type CoordNodeSpec struct {
	Path string
	Data []byte
}

type SupervisorProgramSpec struct {
	Name    string
	Program service.Program
}

// HostsEntrySpec appends "IP Hostname Aliases..." to a hosts file unless some
// line already names Hostname.
type HostsEntrySpec struct {
	Path     string
	IP       string
	Hostname string
	Aliases  []string
}

func (UserSpec) Kind() string              { return "user" }
func (GroupSpec) Kind() string             { return "group" }
func (DirectorySpec) Kind() string         { return "directory" }
func (LinkSpec) Kind() string              { return "link" }
func (FileSpec) Kind() string              { return "file" }
func (RemoteFileSpec) Kind() string        { return "remote_file" }
func (ExecuteSpec) Kind() string           { return "execute" }
func (InstallSpec) Kind() string           { return "install" }
func (ServiceSpec) Kind() string           { return "service" }
func (CoordNodeSpec) Kind() string         { return "coord_node" }
func (SupervisorProgramSpec) Kind() string { return "supervisor_program" }
func (HostsEntrySpec) Kind() string        { return "hosts_entry" }

// The first action listed is the default.
func (UserSpec) actions() []Action  { return []Action{ActionCreate, ActionNothing} }
func (GroupSpec) actions() []Action { return []Action{ActionCreate, ActionNothing} }
func (DirectorySpec) actions() []Action {
	return []Action{ActionCreate, ActionDelete, ActionNothing}
}
func (LinkSpec) actions() []Action { return []Action{ActionCreate, ActionDelete, ActionNothing} }
func (FileSpec) actions() []Action {
	return []Action{ActionCreate, ActionCreateIfMissing, ActionRender, ActionDelete, ActionNothing}
}
func (RemoteFileSpec) actions() []Action {
	return []Action{ActionCreate, ActionCreateIfMissing, ActionNothing}
}
func (ExecuteSpec) actions() []Action { return []Action{ActionRun, ActionNothing} }
func (InstallSpec) actions() []Action { return []Action{ActionInstall, ActionNothing} }
func (ServiceSpec) actions() []Action {
	return []Action{ActionNothing, ActionEnable, ActionDisable, ActionStart, ActionStop, ActionRestart, ActionReload, ActionStatus}
}
func (CoordNodeSpec) actions() []Action {
	return []Action{ActionCreate, ActionCreateIfMissing, ActionDelete, ActionNothing}
}
func (SupervisorProgramSpec) actions() []Action {
	return []Action{ActionEnable, ActionDisable, ActionStart, ActionStop, ActionRestart, ActionStatus, ActionNothing}
}
func (HostsEntrySpec) actions() []Action { return []Action{ActionAppend, ActionNothing} }

// Accepts reports whether spec supports action.
func Accepts(spec Spec, action Action) bool {
	for _, a := range spec.actions() {
		if a == action {
			return true
		}
	}
	return false
}

// Validate checks one resource in isolation.
func (r Resource) Validate() error {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidResource)
	}
	if r.Spec == nil {
		return fmt.Errorf("%w: %s has no spec", ErrInvalidResource, id)
	}
	if !strings.HasPrefix(id, r.Spec.Kind()+"[") || !strings.HasSuffix(id, "]") {
		return fmt.Errorf("%w: %s does not match kind %s", ErrInvalidResource, id, r.Spec.Kind())
	}
	for _, a := range r.Actions {
		if !Accepts(r.Spec, a) {
			return fmt.Errorf("%w: %s cannot %s", ErrUnsupportedAction, id, a)
		}
	}
	return nil
}

func (r Resource) actionList() []Action {
	if len(r.Actions) > 0 {
		return r.Actions
	}
	return r.Spec.actions()[:1]
}
