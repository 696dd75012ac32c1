package mongodb

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/infra/storage"
)

type EntityStoreSuite struct {
	suite.Suite
	client *Client
	store  *EntityStore[*domain.Ownership]
	token  string
}

func (s *EntityStoreSuite) SetupSuite() {
	uri := os.Getenv("MONGO_URL")
	if uri == "" {
		s.T().Skip("MONGO_URL not set")
	}
	client, err := NewClient(context.Background(), Config{URI: uri, Database: "reducer_test"})
	s.Require().NoError(err)
	s.client = client
	s.store = NewEntityStore[*domain.Ownership](client, domain.FamilyOwnership, 0)
	s.Require().NoError(s.store.EnsureIndexes(context.Background()))
}

func (s *EntityStoreSuite) SetupTest() {
	s.token = "0x" + uuid.NewString()
}

func (s *EntityStoreSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close(context.Background())
	}
}

func (s *EntityStoreSuite) TestVersionedReplace() {
	ctx := context.Background()
	o := &domain.Ownership{Token: s.token, TokenID: "1", Owner: "0x01", Value: decimal.RequireFromString("1.5")}

	saved, err := s.store.Save(ctx, o)
	s.Require().NoError(err)
	s.Equal(int64(0), *saved.Version)

	_, err = s.store.Save(ctx, o)
	s.ErrorIs(err, domain.ErrConcurrencyConflict)

	saved.Value = decimal.NewFromInt(3)
	updated, err := s.store.Save(ctx, saved)
	s.Require().NoError(err)
	s.Equal(int64(1), *updated.Version)

	_, err = s.store.Save(ctx, saved)
	s.ErrorIs(err, domain.ErrConcurrencyConflict)

	loaded, err := s.store.Load(ctx, o.ID())
	s.Require().NoError(err)
	s.True(loaded.Value.Equal(decimal.NewFromInt(3)))
	s.Equal(int64(1), *loaded.Version)
}

func (s *EntityStoreSuite) TestScanByPrefix() {
	ctx := context.Background()
	for _, owner := range []string{"0x01", "0x02", "0x03"} {
		_, err := s.store.Save(ctx, &domain.Ownership{Token: s.token, TokenID: "1", Owner: owner, Value: decimal.NewFromInt(1)})
		s.Require().NoError(err)
	}

	prefix := domain.OwnershipPrefix(domain.ItemID(s.token, "1"))
	page, err := s.store.Scan(ctx, storage.ScanQuery{Prefix: prefix, Limit: 2})
	s.Require().NoError(err)
	s.Len(page, 2)

	rest, err := s.store.Scan(ctx, storage.ScanQuery{Prefix: prefix, AfterID: page[1].ID()})
	s.Require().NoError(err)
	s.Len(rest, 1)

	many, err := s.store.LoadMany(ctx, []string{page[0].ID(), "missing"})
	s.Require().NoError(err)
	s.Len(many, 1)
}

func TestEntityStoreSuite(t *testing.T) {
	suite.Run(t, new(EntityStoreSuite))
}

func TestDecimalCodecRoundTrip(t *testing.T) {
	type wrapper struct {
		V decimal.Decimal `bson:"v"`
	}
	reg := NewRegistry()
	raw, err := bson.MarshalWithRegistry(reg, wrapper{V: decimal.RequireFromString("123.456")})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out wrapper
	if err := bson.UnmarshalWithRegistry(reg, raw, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.V.String() != "123.456" {
		t.Errorf("expected 123.456, got %s", out.V)
	}
}
