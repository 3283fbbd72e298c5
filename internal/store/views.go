package store

import (
	"fmt"
	"sort"
)

// View names one of the fixed read-only admin views. Views never take
// caller-supplied identifiers; each maps to a static query.
type View string

const (
	ViewUsers     View = "users"
	ViewConsumers View = "consumers"
	ViewClasses   View = "classes"
	ViewRoles     View = "roles"
)

// ViewResult is a tabular result with every cell rendered as text.
type ViewResult struct {
	Columns []string
	Rows    [][]string
}

// Credentials are never selected; only whether one is set.
var viewQueries = map[View]string{
	ViewUsers: `SELECT u.id, u.auth_provider, u.auth_name, u.full_name, u.email, u.query_tokens, u.is_admin, u.is_tester
FROM users u ORDER BY u.id`,
	ViewConsumers: `SELECT c.id, c.lti_consumer, CASE WHEN c.openai_key <> '' THEN 'yes' ELSE 'no' END AS has_key
FROM consumers c ORDER BY c.id`,
	ViewClasses: `SELECT c.id, c.name, c.enabled,
	CASE WHEN l.class_id IS NOT NULL THEN 'lti' ELSE 'user' END AS kind,
	CASE WHEN COALESCE(u.openai_key, '') <> '' THEN 'yes' ELSE 'no' END AS has_own_key,
	COALESCE(u.link_reg_expires, '') AS link_reg_expires
FROM classes c
LEFT JOIN classes_lti l ON l.class_id = c.id
LEFT JOIN classes_user u ON u.class_id = c.id
ORDER BY c.id`,
	ViewRoles: `SELECT r.id, r.user_id, r.class_id, c.name AS class_name, r.role, r.active
FROM roles r JOIN classes c ON c.id = r.class_id
ORDER BY r.id`,
}

// Views lists the available view names in stable order.
func Views() []View {
	out := make([]View, 0, len(viewQueries))
	for v := range viewQueries {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseView validates a view name.
func ParseView(name string) (View, error) {
	v := View(name)
	if _, ok := viewQueries[v]; !ok {
		return "", fmt.Errorf("%w: unknown view %q", ErrInvalid, name)
	}
	return v, nil
}
