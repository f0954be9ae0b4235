package shared

import "context"

type actorContextKey struct{}

// ActorSystem is recorded when no authenticated user is attached to the request.
const ActorSystem = "system"

// ContextWithActor stores the acting user identity in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting user identity from context.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	if actor == "" {
		return ActorSystem
	}
	return actor
}
