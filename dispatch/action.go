package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/martinemde/warden/policy"
)

// buildAction reduces a call's arguments to the facts the enforcer checks.
// Paths are resolved through resolver so symlinks cannot escape scope.
func buildAction(def Definition, args json.RawMessage, mode policy.ApprovalMode, resolver policy.PathResolver) (policy.Action, []string, error) {
	a := policy.Action{Tool: def.Name, Capability: def.Capability, Mode: mode}

	fields := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &fields); err != nil {
			return a, nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	var targets []string
	for _, key := range def.PathArgs {
		raw, ok := stringArg(fields, key)
		if !ok {
			continue
		}
		resolved := raw
		if resolver != nil {
			var err error
			resolved, err = resolver.Resolve(raw)
			if err != nil {
				return a, nil, err
			}
		}
		a.Paths = append(a.Paths, resolved)
		targets = append(targets, resolved)
	}
	if def.CommandArg != "" {
		a.Command, _ = stringArg(fields, def.CommandArg)
		if a.Command != "" {
			targets = append(targets, a.Command)
		}
	}
	if def.URLArg != "" {
		a.URL, _ = stringArg(fields, def.URLArg)
		if a.URL != "" {
			targets = append(targets, a.URL)
		}
	}
	if def.ContentArg != "" {
		content, _ := stringArg(fields, def.ContentArg)
		a.Size = int64(len(content))
	}
	return a, targets, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func decodeDetail(args json.RawMessage) map[string]any {
	detail := map[string]any{}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &detail)
	}
	return detail
}
