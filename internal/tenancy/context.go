package tenancy

import "context"

type ctxKey string

const (
	clinicKey ctxKey = "odonto.clinic_id"
	actorKey  ctxKey = "odonto.actor"
)

// Actor identifies who is acting on a clinic's data. Impersonation is explicit:
// a super admin acting on behalf of a clinic carries both their own identity and
// the impersonated clinic.
type Actor struct {
	UserID       string
	SuperAdmin   bool
	Impersonates string
}

// Impersonating reports whether the actor is operating on another clinic.
func (a Actor) Impersonating() bool {
	return a.SuperAdmin && a.Impersonates != ""
}

// WithClinicID stores the clinic id in context.
func WithClinicID(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, clinicKey, clinicID)
}

// ClinicIDFromContext extracts the clinic id if present.
func ClinicIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(clinicKey)
	if val == nil {
		return "", false
	}
	clinicID, ok := val.(string)
	return clinicID, ok && clinicID != ""
}

// WithActor stores the acting user in context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the acting user, or the zero Actor.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey).(Actor)
	return actor
}
