package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turnrelay/turnrelayd/internal/filter"
)

type rawRuleItem struct {
	Net    string `mapstructure:"net"`
	Action string `mapstructure:"action"`
}

// parseFilteringRules builds a peer or client filter.List from
// filter.<key>.rules and filter.<key>.action in the config.
func parseFilteringRules(v *viper.Viper, l *zap.Logger, key string) (*filter.List, error) {
	log := l.Named(key)
	var rawRules []rawRuleItem
	if err := v.UnmarshalKey("filter."+key+".rules", &rawRules); err != nil {
		log.Error("failed to parse rules", zap.Error(err))
		return nil, err
	}
	var rules []filter.Rule
	for _, rr := range rawRules {
		action, err := parseAction(rr.Action)
		if err != nil {
			log.Error("failed to parse action", zap.String("action", rr.Action))
			return nil, err
		}
		rule, err := filter.StaticNetRule(action, rr.Net)
		if err != nil {
			log.Error("failed to parse subnet", zap.Error(err), zap.String("net", rr.Net))
			return nil, err
		}
		log.Info("added rule", zap.Stringer("action", action), zap.String("net", rr.Net))
		rules = append(rules, rule)
	}

	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// default
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, errors.New("default action cannot be pass")
	default:
		return nil, fmt.Errorf("unknown default action %q", v.GetString("filter."+key+".action"))
	}
	log.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

func parseAction(s string) (filter.Action, error) {
	switch strings.ToLower(s) {
	case "allow", "":
		return filter.Allow, nil
	case "drop", "forbid", "deny", "block":
		return filter.Deny, nil
	case "pass", "none":
		return filter.Pass, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}
