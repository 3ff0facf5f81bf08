package service

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Roles recognized by the role gates.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// Identity is the resolved caller of a request.
type Identity struct {
	SubjectID   string
	Role        string
	Permissions []string
}

// IsPrivileged reports whether the identity may act on other users' data.
func (id Identity) IsPrivileged() bool {
	return id.Role == RoleAdmin || id.Role == RoleSuperAdmin
}

// IdentityClaims is the bearer-token payload issued by the identity domain.
type IdentityClaims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// VerifyToken resolves an opaque bearer credential into an identity. Token
// minting belongs to the identity domain; this core only consumes it.
func VerifyToken(token, secret string) (*Identity, error) {
	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Newf(apperr.CodeUnauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.Wrap(apperr.CodeUnauthorized, err, "invalid or expired token")
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return &Identity{
		SubjectID:   claims.Subject,
		Role:        role,
		Permissions: claims.Permissions,
	}, nil
}

// SellerStore is the ledger's seller identity shadow table.
type SellerStore interface {
	GetSellerByID(ctx context.Context, sellerID string) (*models.SellerIdentity, error)
	ListSellersByIDs(ctx context.Context, sellerIDs []string) ([]models.SellerIdentity, error)
}

// SellerCache is the redis fast path in front of the shadow table.
type SellerCache interface {
	GetSeller(ctx context.Context, sellerID string) (*models.SellerIdentity, error)
	SetSeller(ctx context.Context, seller *models.SellerIdentity, ttl time.Duration) error
}

// IdentityService resolves seller identities for display labels and revenue
// grouping. It is strictly read-through: this core never writes seller
// records, only caches them.
type IdentityService struct {
	store  SellerStore
	cache  SellerCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdentityService creates a new identity service
func NewIdentityService(store SellerStore, cache SellerCache, ttl time.Duration) *IdentityService {
	return &IdentityService{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// ResolveSeller looks a seller up, cache first. A miss everywhere returns
// (nil, nil); callers label those "Unknown" rather than failing.
func (is *IdentityService) ResolveSeller(ctx context.Context, sellerID string) (*models.SellerIdentity, error) {
	if sellerID == "" {
		return nil, nil
	}

	if is.cache != nil {
		seller, err := is.cache.GetSeller(ctx, sellerID)
		if err != nil {
			is.logger.Warn("Seller cache read failed, falling back to store",
				zap.String("seller_id", sellerID), zap.Error(err))
		} else if seller != nil {
			return seller, nil
		}
	}

	seller, err := is.store.GetSellerByID(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if seller != nil && is.cache != nil {
		if err := is.cache.SetSeller(ctx, seller, is.ttl); err != nil {
			is.logger.Warn("Seller cache write failed", zap.Error(err))
		}
	}
	return seller, nil
}

// ResolveSellers bulk-resolves seller identities, keyed by seller ID.
func (is *IdentityService) ResolveSellers(ctx context.Context, sellerIDs []string) (map[string]models.SellerIdentity, error) {
	resolved := make(map[string]models.SellerIdentity, len(sellerIDs))
	missing := make([]string, 0, len(sellerIDs))

	for _, id := range sellerIDs {
		if id == "" {
			continue
		}
		if _, ok := resolved[id]; ok {
			continue
		}
		if is.cache != nil {
			seller, err := is.cache.GetSeller(ctx, id)
			if err == nil && seller != nil {
				resolved[id] = *seller
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		sellers, err := is.store.ListSellersByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i := range sellers {
			resolved[sellers[i].SellerID] = sellers[i]
			if is.cache != nil {
				if err := is.cache.SetSeller(ctx, &sellers[i], is.ttl); err != nil {
					is.logger.Warn("Seller cache write failed", zap.Error(err))
				}
			}
		}
	}
	return resolved, nil
}

// LabelItems fills in display seller names on order line items. Items whose
// creator cannot be resolved are labeled Unknown.
func (is *IdentityService) LabelItems(ctx context.Context, orders []models.Order) {
	ids := make([]string, 0)
	for i := range orders {
		for j := range orders[i].Items {
			if id := orders[i].Items[j].ProductCreatedBy; id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return
	}

	sellers, err := is.ResolveSellers(ctx, ids)
	if err != nil {
		is.logger.Warn("Seller resolution failed, labeling items Unknown", zap.Error(err))
		sellers = map[string]models.SellerIdentity{}
	}

	for i := range orders {
		for j := range orders[i].Items {
			item := &orders[i].Items[j]
			if seller, ok := sellers[item.ProductCreatedBy]; ok {
				item.SellerName = seller.Name
				item.SellerRole = seller.Role
			} else {
				item.SellerName = "Unknown"
				item.SellerRole = RoleAdmin
			}
		}
	}
}
