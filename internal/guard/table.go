package guard

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"taskflow/internal/domain"
)

//go:embed default_table.yaml
var defaultTableYAML []byte

// Permission is the entry for one (role, column) pair.
type Permission struct {
	Source bool // work may be dragged out of the column
	Target bool // work may be dropped into the column
}

// RolePermissions holds a role's column entries and its move matrix.
type RolePermissions struct {
	Columns map[domain.Column]Permission
	Moves   map[domain.Column]map[domain.Column]bool
}

func (p RolePermissions) allows(source, target domain.Column) bool {
	return p.Moves[source][target]
}

// Table maps each acting role to its permissions.
type Table map[domain.ActorRole]RolePermissions

type tableFile struct {
	Roles map[string]struct {
		View     []string            `yaml:"view"`
		Drag     []string            `yaml:"drag"`
		Drop     []string            `yaml:"drop"`
		Moves    map[string][]string `yaml:"moves"`
		AllMoves bool                `yaml:"all_moves"`
	} `yaml:"roles"`
}

// ParseTable decodes and validates a YAML permission table.
func ParseTable(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid guard table yaml: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("guard table defines no roles")
	}
	t := Table{}
	for name, spec := range f.Roles {
		role, err := domain.ParseActorRole(name)
		if err != nil {
			return nil, fmt.Errorf("guard table: %w", err)
		}
		rp := RolePermissions{
			Columns: map[domain.Column]Permission{},
			Moves:   map[domain.Column]map[domain.Column]bool{},
		}
		for _, c := range spec.View {
			col, err := parseColumn(c)
			if err != nil {
				return nil, fmt.Errorf("role %s view: %w", name, err)
			}
			rp.Columns[col] = rp.Columns[col]
		}
		for _, c := range spec.Drag {
			col, err := parseColumn(c)
			if err != nil {
				return nil, fmt.Errorf("role %s drag: %w", name, err)
			}
			p := rp.Columns[col]
			p.Source = true
			rp.Columns[col] = p
		}
		for _, c := range spec.Drop {
			col, err := parseColumn(c)
			if err != nil {
				return nil, fmt.Errorf("role %s drop: %w", name, err)
			}
			p := rp.Columns[col]
			p.Target = true
			rp.Columns[col] = p
		}
		if spec.AllMoves {
			if len(spec.Moves) > 0 {
				return nil, fmt.Errorf("role %s sets both moves and all_moves", name)
			}
			for src, sp := range rp.Columns {
				for dst, dp := range rp.Columns {
					if src != dst && sp.Source && dp.Target {
						addMove(rp, src, dst)
					}
				}
			}
		}
		for s, targets := range spec.Moves {
			src, err := parseColumn(s)
			if err != nil {
				return nil, fmt.Errorf("role %s moves: %w", name, err)
			}
			if !rp.Columns[src].Source {
				return nil, fmt.Errorf("role %s moves out of %s but may not drag from it", name, s)
			}
			for _, d := range targets {
				dst, err := parseColumn(d)
				if err != nil {
					return nil, fmt.Errorf("role %s moves: %w", name, err)
				}
				if dst == src {
					return nil, fmt.Errorf("role %s moves %s onto itself", name, s)
				}
				if !rp.Columns[dst].Target {
					return nil, fmt.Errorf("role %s moves into %s but may not drop on it", name, d)
				}
				addMove(rp, src, dst)
			}
		}
		t[role] = rp
	}
	return t, nil
}

func addMove(rp RolePermissions, src, dst domain.Column) {
	if rp.Moves[src] == nil {
		rp.Moves[src] = map[domain.Column]bool{}
	}
	rp.Moves[src][dst] = true
}

func parseColumn(name string) (domain.Column, error) {
	col, ok := domain.ColumnOf(domain.WorkItemStatus(name))
	if !ok {
		return 0, fmt.Errorf("unknown column %q", name)
	}
	return col, nil
}

// DefaultTable returns the built-in permission table.
func DefaultTable() Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded guard table: %v", err))
	}
	return t
}

// LoadTable reads a permission table from path.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(data)
}

// Roles lists the roles present in the table in a stable order.
func (t Table) Roles() []domain.ActorRole {
	roles := make([]domain.ActorRole, 0, len(t))
	for r := range t {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
