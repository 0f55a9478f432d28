package mapping

import (
	"context"

	"github.com/amityvox/amityvox/internal/models"
)

// Lookup is the narrow read surface internal/transform depends on to resolve
// sender identities and reply targets, grounded on §9's "collapse
// callback-heavy wiring into capability-style objects" design note. *Store
// satisfies it directly; tests can supply a stub instead.
type Lookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error)
	GetUserByFedActorID(ctx context.Context, fedActorID string) (*models.User, error)
	GetMessageMappingByChatEventID(ctx context.Context, chatEventID string) (*models.MessageMapping, error)
	GetMessageMappingByFedObjectID(ctx context.Context, fedObjectID string) (*models.MessageMapping, error)
}

var _ Lookup = (*Store)(nil)
