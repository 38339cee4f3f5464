package pipeline

import (
	"regexp"
	"strconv"

	"github.com/lunarch/promptmem/internal/tokens"
)

// placeholderRegex matches {{name}} and {{stepId.property}}.
var placeholderRegex = regexp.MustCompile(`\{\{([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_]+))?\}\}`)

// InjectTokenSafe expands {{name}} and {{stepId.property}} placeholders in
// template. Names resolve against named outputs then initial variables, each
// truncated to the target's budget. Unresolved placeholders are left
// verbatim so malformed or forward-referencing templates degrade instead of
// corrupting output.
func InjectTokenSafe(template string, mc Context, targetOverride string) string {
	target := targetOverride
	if target == "" {
		target = mc.Config.Target
	}

	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		groups := placeholderRegex.FindStringSubmatch(match)
		name, property := groups[1], groups[2]

		if property == "" {
			if value, ok := mc.Outputs[name]; ok {
				return tokens.Truncate(value, target, 0)
			}
			if value, ok := mc.Vars[name]; ok {
				return tokens.Truncate(value, target, 0)
			}
			return match
		}

		return resolveStepProperty(mc, target, name, property, match)
	})
}

func resolveStepProperty(mc Context, target, stepID, property, match string) string {
	step, hasStep := mc.Steps[stepID]
	rec, hasRecord := mc.Memory[stepID]

	switch property {
	case "content", "raw":
		if !hasRecord {
			return match
		}
		if mc.Config.PreferSummaries && mc.Config.MaxInjectionTokens > 0 && rec.TokenCount > mc.Config.MaxInjectionTokens {
			return rec.Summary
		}
		return tokens.Truncate(rec.Raw, target, 0)
	case "summary":
		if !hasRecord {
			return match
		}
		return rec.Summary
	case "keyPoints":
		if !hasRecord {
			return match
		}
		return bulletList(rec.KeyPoints)
	case "tokens":
		if !hasRecord {
			return match
		}
		return strconv.Itoa(rec.TokenCount)
	case "success":
		if !hasStep {
			return match
		}
		return strconv.FormatBool(step.Succeeded())
	case "error":
		if !hasStep {
			return match
		}
		return step.Error
	case "model":
		if !hasStep {
			return match
		}
		return step.Model
	case "duration":
		if !hasStep {
			return match
		}
		return strconv.FormatInt(step.DurationMs, 10)
	default:
		return match
	}
}
