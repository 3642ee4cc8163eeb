package audit

import "context"

type requestKey struct{}

// RequestInfo is the caller metadata attached to every entry written during a request.
type RequestInfo struct {
	ActorID   string
	IP        string
	UserAgent string
	RequestID string
}

func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

func RequestFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestKey{}).(RequestInfo)
	return info, ok
}

// WithActor returns ctx with the actor id set on its request info.
func WithActor(ctx context.Context, actorID string) context.Context {
	info, _ := RequestFromContext(ctx)
	info.ActorID = actorID
	return WithRequest(ctx, info)
}

type originKey struct{}

// OriginScheduled tags entries written by background jobs rather than a person.
const OriginScheduled = "scheduled"

// WithOrigin records where the work behind ctx came from. Entries written under
// it carry the value in metadata["origin"].
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func OriginFromContext(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
