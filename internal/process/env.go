package process

import (
	"os"
	"strings"
)

// MergeEnv composes a child environment: the current OS environment first,
// then extra "KEY=VALUE" entries in order. Values may reference ${OTHER}
// variables from the composed set (single pass, no recursion). Entries without
// '=' or with an empty key are skipped. A nil result means "inherit".
func MergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	m := make(map[string]string)
	order := make([]string, 0, 64)
	set := func(kv string) {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return
		}
		k, v := kv[:i], kv[i+1:]
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, kv := range os.Environ() {
		set(kv)
	}
	for _, kv := range extra {
		set(kv)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
