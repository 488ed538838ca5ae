package service

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
)

// catalogFile is the on-disk shape:
//
//	definitions:
//	  - id: 6f1c...
//	    slug: ember-drake
//	    name: Ember Drake
//	    tiers:
//	      - rarity: Rare
//	        total_copies: 300
//	      - rarity: Event
//	        total_copies: 50
//	        available_from: 2026-10-01T00:00:00Z
//	        available_to: 2026-10-31T23:59:59Z
type catalogFile struct {
	Definitions []fileDefinition `yaml:"definitions"`
}

type fileDefinition struct {
	ID          string              `yaml:"id"`
	Slug        string              `yaml:"slug"`
	Name        string              `yaml:"name"`
	Set         string              `yaml:"set"`
	Description string              `yaml:"description"`
	ImageURL    string              `yaml:"image_url"`
	Tiers       []models.RarityTier `yaml:"tiers"`
}

// LoadFile parses a YAML catalog from path.
func LoadFile(path string) ([]*models.CardDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a YAML catalog. Structural validation is left to Import.
func Load(r io.Reader) ([]*models.CardDefinition, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	out := make([]*models.CardDefinition, 0, len(file.Definitions))
	for i, fd := range file.Definitions {
		definitionID, err := id.ParseDefinitionID(fd.ID)
		if err != nil {
			return nil, fmt.Errorf("definition %d (%s): %w", i, fd.Slug, err)
		}
		tiers := make([]models.RarityTier, len(fd.Tiers))
		for j, tier := range fd.Tiers {
			tier.AvailableFrom = utc(tier.AvailableFrom)
			tier.AvailableTo = utc(tier.AvailableTo)
			tiers[j] = tier
		}
		out = append(out, &models.CardDefinition{
			ID:          definitionID,
			Slug:        fd.Slug,
			Name:        fd.Name,
			Set:         fd.Set,
			Description: fd.Description,
			ImageURL:    fd.ImageURL,
			Tiers:       tiers,
		})
	}
	return out, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
