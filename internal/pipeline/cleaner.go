package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
)

// 清洗规则
const (
	RuleRemoveEmpty    = "remove_empty"
	RuleTrimWhitespace = "trim_whitespace"
	RuleValidateFormat = "validate_format"

	NullDrop    = "drop"
	NullDefault = "default"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Cleaner 空值处理与格式校验, 不做去重
type Cleaner interface {
	Clean(fields map[string]interface{}, cfg *model.PipelineConfig) (map[string]interface{}, error)
}

type DefaultCleaner struct{}

func (DefaultCleaner) Clean(fields map[string]interface{}, cfg *model.PipelineConfig) (map[string]interface{}, error) {
	rules := make(map[string]bool, len(cfg.CleanRules))
	for _, r := range cfg.CleanRules {
		rules[r] = true
	}
	emailFields := cfg.EmailFields
	if len(emailFields) == 0 {
		emailFields = []string{"email"}
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v == nil {
			switch cfg.NullPolicy {
			case NullDefault:
				if d, ok := cfg.Defaults[k]; ok {
					out[k] = d
				} else {
					out[k] = ""
				}
			default:
				// drop
			}
			continue
		}
		if s, ok := v.(string); ok {
			if rules[RuleTrimWhitespace] {
				s = strings.TrimSpace(s)
			}
			if rules[RuleRemoveEmpty] && s == "" {
				continue
			}
			v = s
		}
		out[k] = v
	}

	if rules[RuleValidateFormat] {
		for _, f := range emailFields {
			v, ok := out[f]
			if !ok {
				continue
			}
			s := fmt.Sprint(v)
			if !emailPattern.MatchString(s) {
				return nil, errs.Dataf("pipeline.clean", "field %s: invalid email %q", f, s)
			}
		}
	}
	return out, nil
}
