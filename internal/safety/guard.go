// Package safety gates plan steps behind permission levels and a parameter denylist.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/harrison/taskpilot/internal/models"
)

// ViolationKind classifies why a step was refused.
type ViolationKind string

// Violation kinds
const (
	KindPermission  ViolationKind = "permission"
	KindInjection   ViolationKind = "injection"
	KindTraversal   ViolationKind = "path_traversal"
	KindDestructive ViolationKind = "destructive"
	KindDenied      ViolationKind = "denied_operation"
	KindPolicy      ViolationKind = "policy"
)

// Violation is a single reason a step is unsafe. It is terminal for the step.
type Violation struct {
	Kind      ViolationKind
	Operation string
	Parameter string // dotted path of the offending parameter, if any
	Pattern   string // denylist pattern that matched, if any
	Message   string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Parameter != "" {
		return fmt.Sprintf("safety violation (%s) in %s.%s: %s", v.Kind, v.Operation, v.Parameter, v.Message)
	}
	return fmt.Sprintf("safety violation (%s) in %s: %s", v.Kind, v.Operation, v.Message)
}

// SafetyCheck is the verdict for one operation.
type SafetyCheck struct {
	Safe          bool
	RequiredLevel models.PermissionLevel
	Violations    []*Violation
}

// Err returns the first violation, or nil when the check passed.
func (c SafetyCheck) Err() error {
	if len(c.Violations) == 0 {
		return nil
	}
	return c.Violations[0]
}

// Options configures a Guard.
type Options struct {
	MaxTimeoutMs int
	MaxTokens    int
	MaxMemoryMB  int

	// DenyPatterns are extra regular expressions checked against string parameters.
	DenyPatterns []string

	// Levels pins operations to explicit permission levels.
	Levels map[string]models.PermissionLevel
}

type denyRule struct {
	kind ViolationKind
	re   *regexp.Regexp
}

// builtinRules is the fixed denylist applied to every string parameter.
var builtinRules = []denyRule{
	{KindInjection, regexp.MustCompile(`;`)},
	{KindInjection, regexp.MustCompile(`\|`)},
	{KindInjection, regexp.MustCompile(`&&`)},
	{KindInjection, regexp.MustCompile("`")},
	{KindInjection, regexp.MustCompile(`\$\(`)},
	{KindTraversal, regexp.MustCompile(`\.\.[/\\]`)},
	{KindDestructive, regexp.MustCompile(`(?i)\brm\s+-(rf|fr)\b`)},
	{KindDestructive, regexp.MustCompile(`(?i)\bdrop\s+table\b`)},
	{KindDestructive, regexp.MustCompile(`(?i)\bmkfs\b`)},
	{KindDestructive, regexp.MustCompile(`(?i)\bshutdown\b`)},
	{KindDestructive, regexp.MustCompile(`(?i)\bformat\s+c:`)},
}

// metacharacters removed by SandboxStep.
var metacharacters = strings.NewReplacer(";", "", "|", "", "&&", "", "`", "", "$(", "")

// Guard checks operations against permission levels and the denylist.
// It is safe for concurrent use.
type Guard struct {
	mu     sync.RWMutex
	levels map[string]models.PermissionLevel
	denied map[string]bool
	rules  []denyRule
	opts   Options
}

// NewGuard builds a Guard. Invalid deny patterns are reported.
func NewGuard(opts Options) (*Guard, error) {
	g := &Guard{
		levels: make(map[string]models.PermissionLevel),
		denied: make(map[string]bool),
		rules:  append([]denyRule(nil), builtinRules...),
		opts:   opts,
	}
	for op, level := range opts.Levels {
		g.levels[strings.ToLower(op)] = level
	}
	for _, pattern := range opts.DenyPatterns {
		if err := g.DenyArguments(pattern); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// RegisterOperation pins an operation to an explicit permission level.
func (g *Guard) RegisterOperation(operation string, level models.PermissionLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levels[strings.ToLower(operation)] = level
}

// DenyOperation refuses an operation regardless of level.
func (g *Guard) DenyOperation(operation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied[strings.ToLower(operation)] = true
}

// DenyArguments adds a regular expression that string parameters must not match.
func (g *Guard) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, denyRule{kind: KindPolicy, re: re})
	return nil
}

// CheckSafety decides whether operation may run with parameters under allowed.
func (g *Guard) CheckSafety(operation string, parameters map[string]any, allowed models.PermissionLevel) SafetyCheck {
	g.mu.RLock()
	defer g.mu.RUnlock()

	op := strings.ToLower(operation)
	required := g.requiredLevel(operation, parameters)
	check := SafetyCheck{RequiredLevel: required}

	if g.denied[op] {
		check.Violations = append(check.Violations, &Violation{
			Kind:      KindDenied,
			Operation: operation,
			Message:   "operation is restricted by policy",
		})
	}

	if !allowed.Allows(required) {
		check.Violations = append(check.Violations, &Violation{
			Kind:      KindPermission,
			Operation: operation,
			Message:   fmt.Sprintf("requires %s, allowed %s", required, allowed),
		})
	}

	for _, name := range models.SortedKeys(parameters) {
		g.scan(operation, name, parameters[name], &check)
	}

	check.Safe = len(check.Violations) == 0
	return check
}

// scan walks a parameter value and records denylist matches.
func (g *Guard) scan(operation, path string, value any, check *SafetyCheck) {
	switch v := value.(type) {
	case string:
		if _, isRef := models.ParseRef(v); isRef {
			return
		}
		for _, rule := range g.rules {
			if rule.re.MatchString(v) {
				check.Violations = append(check.Violations, &Violation{
					Kind:      rule.kind,
					Operation: operation,
					Parameter: path,
					Pattern:   rule.re.String(),
					Message:   fmt.Sprintf("value matches denied pattern %q", rule.re.String()),
				})
			}
		}
	case []any:
		for i, item := range v {
			g.scan(operation, fmt.Sprintf("%s[%d]", path, i), item, check)
		}
	case map[string]any:
		for _, k := range models.SortedKeys(v) {
			g.scan(operation, path+"."+k, v[k], check)
		}
	}
}

// RequiredLevel returns the permission level an operation needs.
func (g *Guard) RequiredLevel(operation string, parameters map[string]any) models.PermissionLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.requiredLevel(operation, parameters)
}

var (
	systemWords  = wordSet("shutdown", "reboot", "exec", "shell", "system", "sudo", "kill", "bash")
	readVerbs    = wordSet("read", "get", "search", "list", "find", "query", "fetch", "lookup", "count", "add", "subtract", "multiply", "divide", "compute", "calculate", "concat", "echo", "summarize")
	isolateVerbs = wordSet("sandbox", "eval", "evaluate", "simulate", "run")
	writeVerbs   = wordSet("write", "update", "create", "save", "insert", "put", "append", "modify", "set")
	deleteVerbs  = wordSet("delete", "remove", "drop", "purge", "erase", "destroy", "truncate")
)

func (g *Guard) requiredLevel(operation string, parameters map[string]any) models.PermissionLevel {
	op := strings.ToLower(operation)
	if level, ok := g.levels[op]; ok {
		return level
	}

	words := splitWords(operation)
	for _, w := range words {
		if systemWords[w] {
			return models.System
		}
	}
	if len(words) == 0 {
		return models.Isolated
	}

	verb := words[0]
	userData := touchesUserData(op)
	switch {
	case readVerbs[verb]:
		return models.ReadOnly
	case isolateVerbs[verb]:
		return models.Isolated
	case writeVerbs[verb]:
		if userData {
			return models.UserData
		}
		return models.Isolated
	case deleteVerbs[verb]:
		if !userData {
			return models.Isolated
		}
		if confirmed(parameters) {
			return models.UserDataWithConfirmation
		}
		return models.UserData
	}
	return models.Isolated
}

func touchesUserData(op string) bool {
	return strings.Contains(op, "_user") || strings.Contains(op, "user_data") || strings.HasPrefix(op, "user_") || strings.Contains(op, "userdata")
}

func confirmed(parameters map[string]any) bool {
	switch v := parameters["confirm"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return false
}

// splitWords lowercases and splits an identifier on separators and camelCase.
func splitWords(op string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	runes := []rune(op)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
