package history

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Level decides which history events get persisted. Implementations are
// identified by a stable numeric ID and a unique name; custom levels register
// through a Registry alongside the built-in ones. The producing entity rides
// along so custom levels can gate on it; the built-in levels decide on the
// event type alone.
type Level interface {
	ID() int
	Name() string
	Produced(eventType EventType, entity any) bool
}

// Describe renders a level as "<TypeName>(name=<name>, id=<id>)", using the
// concrete type's name. Pointers are dereferenced first.
func Describe(l Level) string {
	t := reflect.TypeOf(l)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	typeName := "Level"
	if t != nil {
		typeName = t.Name()
	}
	return fmt.Sprintf("%s(name=%s, id=%d)", typeName, l.Name(), l.ID())
}

// LevelNone persists nothing.
type LevelNone struct{}

func (LevelNone) ID() int                      { return 0 }
func (LevelNone) Name() string                 { return "none" }
func (LevelNone) Produced(EventType, any) bool { return false }
func (l LevelNone) String() string             { return Describe(l) }

// LevelActivity persists process instance and activity lifecycle events only.
type LevelActivity struct{}

func (LevelActivity) ID() int      { return 1 }
func (LevelActivity) Name() string { return "activity" }

func (LevelActivity) Produced(et EventType, _ any) bool {
	switch et {
	case EventProcessInstanceStarted, EventProcessInstanceEnded,
		EventActivityStarted, EventActivityEnded:
		return true
	}
	return false
}

func (l LevelActivity) String() string { return Describe(l) }

// LevelAudit extends activity with entity lifecycle, job, and incident events.
type LevelAudit struct{}

func (LevelAudit) ID() int      { return 2 }
func (LevelAudit) Name() string { return "audit" }

func (LevelAudit) Produced(et EventType, _ any) bool {
	if (LevelActivity{}).Produced(et, nil) {
		return true
	}
	switch et {
	case EventTaskCreated, EventTaskCompleted, EventTaskDeleted,
		EventFilterCreated, EventFilterUpdated, EventFilterDeleted,
		EventAuthorizationCreated, EventAuthorizationUpdated, EventAuthorizationDeleted,
		EventJobCreated, EventJobCompleted, EventJobFailed,
		EventIncidentCreated, EventIncidentResolved:
		return true
	}
	return false
}

func (l LevelAudit) String() string { return Describe(l) }

// LevelFull persists every event, including variable changes.
type LevelFull struct{}

func (LevelFull) ID() int                      { return 3 }
func (LevelFull) Name() string                 { return "full" }
func (LevelFull) Produced(EventType, any) bool { return true }
func (l LevelFull) String() string             { return Describe(l) }

// Registry holds the known history levels, keyed by name and ID.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Level
	byID   map[int]Level
}

// NewRegistry returns a registry preloaded with the built-in levels.
func NewRegistry() *Registry {
	r := &Registry{byName: map[string]Level{}, byID: map[int]Level{}}
	for _, l := range []Level{LevelNone{}, LevelActivity{}, LevelAudit{}, LevelFull{}} {
		if err := r.Register(l); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a level. Both the name and the ID must be unused.
func (r *Registry) Register(l Level) error {
	name := strings.ToLower(strings.TrimSpace(l.Name()))
	if name == "" {
		return fmt.Errorf("history level %s has an empty name", Describe(l))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok {
		return fmt.Errorf("history level name %q already taken by %s", name, Describe(existing))
	}
	if existing, ok := r.byID[l.ID()]; ok {
		return fmt.Errorf("history level id %d already taken by %s", l.ID(), Describe(existing))
	}
	r.byName[name] = l
	r.byID[l.ID()] = l
	return nil
}

// Resolve looks a level up by name, or by numeric ID when the value parses as
// an integer. Unknown levels are an error so misconfiguration fails fast.
func (r *Registry) Resolve(nameOrID string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(nameOrID))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.byName[key]; ok {
		return l, nil
	}
	if id, err := strconv.Atoi(key); err == nil {
		if l, ok := r.byID[id]; ok {
			return l, nil
		}
	}
	return nil, fmt.Errorf("unknown history level %q", nameOrID)
}
