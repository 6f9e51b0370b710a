package auth

import (
	"github.com/casbin/casbin/v2/model"
)

// memoryAdapter implements casbin's persist.Adapter over in-process
// slices. RunnerHub's RBAC policy is small and rebuilt from
// AdminPermissions/OperatorPermissions/ViewerPermissions on every start,
// so persisting it to the backing store would just be one more thing to
// keep in sync - this is the one piece of RBAC state that doesn't need
// to survive a restart.
type memoryAdapter struct {
	policies [][]string
	roles    [][]string
}

func newMemoryAdapter() *memoryAdapter {
	return &memoryAdapter{
		policies: make([][]string, 0),
		roles:    make([][]string, 0),
	}
}

// LoadPolicy loads policy rules from memory.
func (a *memoryAdapter) LoadPolicy(m model.Model) error {
	for _, policy := range a.policies {
		if len(policy) == 3 {
			m.AddPolicy("p", "p", policy)
		}
	}
	for _, role := range a.roles {
		if len(role) == 2 {
			m.AddPolicy("g", "g", role)
		}
	}
	return nil
}

// SavePolicy saves policy rules to memory.
func (a *memoryAdapter) SavePolicy(m model.Model) error {
	a.policies = m.GetPolicy("p", "p")
	a.roles = m.GetPolicy("g", "g")
	return nil
}

// AddPolicy adds a policy rule to memory.
func (a *memoryAdapter) AddPolicy(sec string, ptype string, rule []string) error {
	switch {
	case sec == "p" && ptype == "p":
		a.policies = append(a.policies, rule)
	case sec == "g" && ptype == "g":
		a.roles = append(a.roles, rule)
	}
	return nil
}

// RemovePolicy removes a policy rule from memory.
func (a *memoryAdapter) RemovePolicy(sec string, ptype string, rule []string) error {
	switch {
	case sec == "p" && ptype == "p":
		a.policies = removeRule(a.policies, rule)
	case sec == "g" && ptype == "g":
		a.roles = removeRule(a.roles, rule)
	}
	return nil
}

// RemoveFilteredPolicy removes policy rules matching the filter from memory.
func (a *memoryAdapter) RemoveFilteredPolicy(sec string, ptype string, fieldIndex int, fieldValues ...string) error {
	switch {
	case sec == "p" && ptype == "p":
		a.policies = removeFilteredRule(a.policies, fieldIndex, fieldValues)
	case sec == "g" && ptype == "g":
		a.roles = removeFilteredRule(a.roles, fieldIndex, fieldValues)
	}
	return nil
}

func removeRule(rules [][]string, rule []string) [][]string {
	var result [][]string
	for _, r := range rules {
		if !stringSliceEqual(r, rule) {
			result = append(result, r)
		}
	}
	return result
}

func removeFilteredRule(rules [][]string, fieldIndex int, fieldValues []string) [][]string {
	var result [][]string
	for _, rule := range rules {
		matched := true
		for i, v := range fieldValues {
			if v != "" && fieldIndex+i < len(rule) && rule[fieldIndex+i] != v {
				matched = false
				break
			}
		}
		if !matched {
			result = append(result, rule)
		}
	}
	return result
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
