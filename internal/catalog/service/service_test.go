package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"cardvault/internal/catalog/models"
	"cardvault/internal/storage/memory"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/requestcontext"
)

const sampleCatalog = `
definitions:
  - id: 5b0f7c52-4a51-4d0e-9a47-3f8f3a3d6c11
    slug: ember-drake
    name: Ember Drake
    set: Origins
    tiers:
      - rarity: Rare
        total_copies: 300
      - rarity: Event
        total_copies: 50
        available_from: 2026-10-01T00:00:00Z
        available_to: 2026-10-31T23:59:59Z
`

func TestLoad(t *testing.T) {
	t.Run("parses definitions and windows", func(t *testing.T) {
		defs, err := Load(strings.NewReader(sampleCatalog))
		require.NoError(t, err)
		require.Len(t, defs, 1)

		def := defs[0]
		assert.Equal(t, "ember-drake", def.Slug)
		require.Len(t, def.Tiers, 2)
		assert.Equal(t, 300, def.Tiers[0].TotalCopies)
		assert.Nil(t, def.Tiers[0].AvailableFrom)
		require.NotNil(t, def.Tiers[1].AvailableTo)
		assert.Equal(t, time.Date(2026, 10, 31, 23, 59, 59, 0, time.UTC), *def.Tiers[1].AvailableTo)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, err := Load(strings.NewReader("definitions:\n  - id: 5b0f7c52-4a51-4d0e-9a47-3f8f3a3d6c11\n    colour: red\n"))
		assert.Error(t, err)
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		_, err := Load(strings.NewReader("definitions:\n  - id: nope\n    name: X\n"))
		assert.Error(t, err)
	})
}

type ServiceSuite struct {
	suite.Suite
	service *Service
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	backend := memory.New()
	s.service = New(backend.Repos().Definitions)
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func (s *ServiceSuite) TestImport() {
	s.Run("valid catalog is stored with timestamps", func() {
		defs, err := Load(strings.NewReader(sampleCatalog))
		s.Require().NoError(err)

		n, err := s.service.Import(s.ctx, defs)
		s.Require().NoError(err)
		s.Equal(1, n)

		stored, err := s.service.GetDefinition(s.ctx, defs[0].ID)
		s.Require().NoError(err)
		s.Equal("Ember Drake", stored.Name)
		s.Equal(requestcontext.Now(s.ctx), stored.CreatedAt)
	})

	s.Run("one invalid definition aborts the whole import", func() {
		good := &models.CardDefinition{ID: id.NewDefinitionID(), Slug: "good", Name: "Good", Tiers: []models.RarityTier{{Rarity: "Common", TotalCopies: 10}}}
		bad := &models.CardDefinition{ID: id.NewDefinitionID(), Slug: "bad", Name: "Bad", Tiers: []models.RarityTier{{Rarity: "Common", TotalCopies: 0}}}

		_, err := s.service.Import(s.ctx, []*models.CardDefinition{good, bad})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.service.GetDefinition(s.ctx, good.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("duplicate rarity is invalid", func() {
		def := &models.CardDefinition{ID: id.NewDefinitionID(), Slug: "dup", Name: "Dup", Tiers: []models.RarityTier{
			{Rarity: "Rare", TotalCopies: 1},
			{Rarity: "rare", TotalCopies: 2},
		}}
		_, err := s.service.Import(s.ctx, []*models.CardDefinition{def})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestListDefinitions() {
	defs := []*models.CardDefinition{
		{ID: id.NewDefinitionID(), Slug: "b-card", Name: "B", Tiers: []models.RarityTier{{Rarity: "Common", TotalCopies: 1}}},
		{ID: id.NewDefinitionID(), Slug: "a-card", Name: "A", Tiers: []models.RarityTier{{Rarity: "Common", TotalCopies: 1}}},
	}
	_, err := s.service.Import(s.ctx, defs)
	s.Require().NoError(err)

	listed, err := s.service.ListDefinitions(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Equal("a-card", listed[0].Slug)
}
