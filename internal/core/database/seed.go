package db

import (
	"context"
	"database/sql"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RoleSeed is one role entry in scripts/seed.yaml.
type RoleSeed struct {
	ID          int64    `yaml:"id"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// Seed is the RBAC baseline installed by `manage init-db`.
type Seed struct {
	Permissions []string   `yaml:"permissions"`
	Roles       []RoleSeed `yaml:"roles"`
}

// LoadSeed parses the embedded seed document.
func LoadSeed() (*Seed, error) {
	data, err := bootstrapFS.ReadFile("scripts/seed.yaml")
	if err != nil {
		return nil, fmt.Errorf("read seed.yaml: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects duplicate roles and grants of undeclared permissions.
func (s *Seed) Validate() error {
	declared := make(map[string]bool, len(s.Permissions))
	for _, p := range s.Permissions {
		declared[p] = true
	}
	ids := map[int64]bool{}
	names := map[string]bool{}
	for _, r := range s.Roles {
		if r.ID <= 0 || r.Name == "" {
			return fmt.Errorf("seed role %q: id and name are required", r.Name)
		}
		if ids[r.ID] || names[r.Name] {
			return fmt.Errorf("seed role %q (%d) declared twice", r.Name, r.ID)
		}
		ids[r.ID], names[r.Name] = true, true
		for _, p := range r.Permissions {
			if !declared[p] {
				return fmt.Errorf("seed role %q grants undeclared permission %q", r.Name, p)
			}
		}
	}
	return nil
}

// ApplySeed upserts permissions, roles and grants in one transaction. Running
// it twice is a no-op.
func (c *DatabaseClient) ApplySeed(ctx context.Context, s *Seed) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range s.Permissions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rag_app.permissions (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, p,
			); err != nil {
				return fmt.Errorf("seed permission %s: %w", p, err)
			}
		}
		for _, r := range s.Roles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rag_app.roles (id, name) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, r.ID, r.Name,
			); err != nil {
				return fmt.Errorf("seed role %s: %w", r.Name, err)
			}
			for _, p := range r.Permissions {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO rag_app.role_permissions (role_id, perm_id)
					SELECT $1, id FROM rag_app.permissions WHERE name = $2
					ON CONFLICT DO NOTHING`, r.ID, p,
				); err != nil {
					return fmt.Errorf("grant %s to %s: %w", p, r.Name, err)
				}
			}
		}
		return nil
	})
}
