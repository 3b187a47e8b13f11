package pipelines

import (
	"errors"
	"fmt"
)

// ErrValidation marks definition payloads that failed structural validation.
var ErrValidation = errors.New("pipeline definition validation failed")

// EntityRef is a tagged identifier for one business object: the kind
// discriminator plus its id. There is no real foreign key behind it; the
// registry of snapshot providers resolves the kind at runtime.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s #%d", r.Kind, r.ID)
}

// Actor is the explicit caller context passed through every engine call: a
// user id plus a flat permission set. There is no ambient current-user
// lookup.
type Actor struct {
	UserID      int64
	Name        string
	IsAdmin     bool
	Permissions map[string]bool
}

// NewActor builds an Actor from a permission list.
func NewActor(userID int64, name string, isAdmin bool, permissions []string) Actor {
	set := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		set[p] = true
	}
	return Actor{UserID: userID, Name: name, IsAdmin: isAdmin, Permissions: set}
}

// Can reports whether the actor holds a permission. Admins hold everything.
func (a Actor) Can(permission string) bool {
	if a.IsAdmin {
		return true
	}
	return a.Permissions[permission]
}

// SnapshotProvider returns the current attribute map of an entity, used for
// guard evaluation. Implementations are registered per kind.
type SnapshotProvider interface {
	Snapshot(ref EntityRef) (map[string]any, error)
}

// SnapshotRegistry maps entity kinds to their snapshot providers, with an
// optional fallback for kinds without a dedicated provider.
type SnapshotRegistry struct {
	providers map[string]SnapshotProvider
	fallback  SnapshotProvider
}

func NewSnapshotRegistry() *SnapshotRegistry {
	return &SnapshotRegistry{providers: make(map[string]SnapshotProvider)}
}

func (r *SnapshotRegistry) Register(kind string, provider SnapshotProvider) {
	r.providers[kind] = provider
}

func (r *SnapshotRegistry) SetFallback(provider SnapshotProvider) {
	r.fallback = provider
}

func (r *SnapshotRegistry) Snapshot(ref EntityRef) (map[string]any, error) {
	if provider, ok := r.providers[ref.Kind]; ok {
		return provider.Snapshot(ref)
	}
	if r.fallback != nil {
		return r.fallback.Snapshot(ref)
	}
	return nil, fmt.Errorf("no snapshot provider registered for kind %q", ref.Kind)
}

// SnapshotFunc adapts a function to the SnapshotProvider interface.
type SnapshotFunc func(ref EntityRef) (map[string]any, error)

func (f SnapshotFunc) Snapshot(ref EntityRef) (map[string]any, error) {
	return f(ref)
}
