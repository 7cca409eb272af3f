package gate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/re-cinq/agentgate/internal/sandbox"
	"github.com/re-cinq/agentgate/internal/types"
)

// SchemaRuleKind tags a ContractsConfig schema rule, per spec.md §4.4.
type SchemaRuleKind string

const (
	RuleHasField     SchemaRuleKind = "has_field"
	RuleFieldType    SchemaRuleKind = "field_type"
	RuleMatchesRegex SchemaRuleKind = "matches_regex"
	RuleJSONSchema   SchemaRuleKind = "json_schema"
)

// SchemaRule is one rule applied to a JSON file.
type SchemaRule struct {
	Kind    SchemaRuleKind
	Field   string // dot-path, e.g. "metadata.owner"
	Type    string // expected type for RuleFieldType: string/number/bool/object/array
	Pattern string // regex for RuleMatchesRegex
	Schema  string // raw JSON Schema document for RuleJSONSchema
}

// SchemaCheck applies Rules to every JSON file matching Path (a glob).
type SchemaCheck struct {
	Path  string
	Rules []SchemaRule
}

// ContractsConfig is the L0 check configuration, per spec.md §4.4.
type ContractsConfig struct {
	RequiredFiles     []string
	ForbiddenPatterns []string
	HonorGitignore    bool
	SchemaChecks      []SchemaCheck
	NamingConventions []NamingRule
}

// NamingRule applies a built-in or regex naming convention to files
// matching Path.
type NamingRule struct {
	Path       string
	Convention string // kebab-case | camelcase | pascalcase | snake_case | screaming_snake_case | <regex>
}

// ContractsRunner implements Runner for the contracts (L0) check.
type ContractsRunner struct {
	cfg ContractsConfig
}

// NewContractsRunner validates cfg at construction, per spec.md §4.4's
// "validates its config at construction" rule, rejecting malformed regex
// patterns and schema documents up front rather than at check time.
func NewContractsRunner(cfg ContractsConfig) (*ContractsRunner, error) {
	for _, rule := range cfg.NamingConventions {
		if _, builtin := namingPatterns[rule.Convention]; !builtin {
			if _, err := regexp.Compile(rule.Convention); err != nil {
				return nil, fmt.Errorf("invalid naming convention regex %q: %w", rule.Convention, err)
			}
		}
	}
	for _, sc := range cfg.SchemaChecks {
		for _, rule := range sc.Rules {
			switch rule.Kind {
			case RuleMatchesRegex:
				if _, err := regexp.Compile(rule.Pattern); err != nil {
					return nil, fmt.Errorf("invalid schema rule regex %q: %w", rule.Pattern, err)
				}
			case RuleJSONSchema:
				loader := gojsonschema.NewStringLoader(rule.Schema)
				if _, err := gojsonschema.NewSchema(loader); err != nil {
					return nil, fmt.Errorf("invalid json_schema rule for %s: %w", sc.Path, err)
				}
			case RuleHasField, RuleFieldType:
				// no static validation beyond a non-empty field path
				if rule.Field == "" {
					return nil, fmt.Errorf("schema rule %s requires a field path", rule.Kind)
				}
			default:
				return nil, fmt.Errorf("unknown schema rule kind %q", rule.Kind)
			}
		}
	}
	return &ContractsRunner{cfg: cfg}, nil
}

func (r *ContractsRunner) Name() string { return "contracts" }

func (r *ContractsRunner) Reset(workOrderID string) {}

// Check runs the four contract sub-checks concurrently — they read
// independent parts of the sandbox and never share mutable state — then
// merges their failures back in a fixed category order so the result is
// deterministic regardless of goroutine scheduling. Grounded in the
// teacher's RunOnceWithLogs level-parallel concern execution
// (internal/engine/engine.go), which fans independent work out through an
// errgroup.Group; this is the one place that shape survives, since
// spec.md's Open Questions decision to keep gates sequential is about the
// ordering of gates within a plan, not about a single gate's internal
// sub-checks.
func (r *ContractsRunner) Check(box sandbox.Sandbox, workOrderID string) (types.GateResult, error) {
	var (
		requiredFailures  []types.GateFailure
		forbiddenFailures []types.GateFailure
		schemaFailures    []types.GateFailure
		namingFailures    []types.GateFailure
	)

	g := new(errgroup.Group)

	g.Go(func() error {
		var failures []types.GateFailure
		for _, req := range r.cfg.RequiredFiles {
			if _, err := box.ReadFile(req); err != nil {
				failures = append(failures, types.GateFailure{
					Message: fmt.Sprintf("required file missing: %s", req),
					File:    req,
				})
			}
		}
		requiredFailures = failures
		return nil
	})

	g.Go(func() error {
		if len(r.cfg.ForbiddenPatterns) == 0 {
			return nil
		}
		failures, err := r.checkForbiddenPatterns(box)
		if err != nil {
			return err
		}
		forbiddenFailures = failures
		return nil
	})

	g.Go(func() error {
		var failures []types.GateFailure
		var mu sync.Mutex
		sg := new(errgroup.Group)
		for _, sc := range r.cfg.SchemaChecks {
			sc := sc
			sg.Go(func() error {
				fs, err := r.checkSchema(box, sc)
				if err != nil {
					return err
				}
				mu.Lock()
				failures = append(failures, fs...)
				mu.Unlock()
				return nil
			})
		}
		if err := sg.Wait(); err != nil {
			return err
		}
		schemaFailures = failures
		return nil
	})

	g.Go(func() error {
		var failures []types.GateFailure
		for _, nr := range r.cfg.NamingConventions {
			failures = append(failures, r.checkNaming(box, nr)...)
		}
		namingFailures = failures
		return nil
	})

	if err := g.Wait(); err != nil {
		return types.GateResult{}, err
	}

	var failures []types.GateFailure
	failures = append(failures, requiredFailures...)
	failures = append(failures, forbiddenFailures...)
	failures = append(failures, schemaFailures...)
	failures = append(failures, namingFailures...)

	details := map[string]any{
		"requiredFiles": len(r.cfg.RequiredFiles),
		"schemaChecks":  len(r.cfg.SchemaChecks),
		"namingRules":   len(r.cfg.NamingConventions),
	}

	return types.GateResult{
		Gate:     r.Name(),
		Check:    "contracts",
		Passed:   len(failures) == 0,
		Details:  details,
		Failures: failures,
	}, nil
}

// checkForbiddenPatterns walks every file under the sandbox mount and
// flags matches against ForbiddenPatterns, additionally honoring the
// workspace .gitignore as extra excludes when HonorGitignore is set, per
// spec.md §4.4. Matching logic mirrors the teacher's
// filesMatchIgnorePatterns (internal/engine/ignore_test.go): a
// go-gitignore matcher built from the pattern list, which already
// supports ** and directory-prefix patterns.
func (r *ContractsRunner) checkForbiddenPatterns(box sandbox.Sandbox) ([]types.GateFailure, error) {
	forbidden := ignore.CompileIgnoreLines(r.cfg.ForbiddenPatterns...)

	var excludes *ignore.GitIgnore
	if r.cfg.HonorGitignore {
		if data, err := box.ReadFile(".gitignore"); err == nil {
			lines := strings.Split(string(data), "\n")
			excludes = ignore.CompileIgnoreLines(lines...)
		}
	}

	var failures []types.GateFailure
	files, err := walkSandbox(box, ".")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if excludes != nil && excludes.MatchesPath(f) {
			continue
		}
		if forbidden.MatchesPath(f) {
			failures = append(failures, types.GateFailure{
				Message: fmt.Sprintf("forbidden pattern matched: %s", f),
				File:    f,
			})
		}
	}
	return failures, nil
}

func (r *ContractsRunner) checkSchema(box sandbox.Sandbox, sc SchemaCheck) ([]types.GateFailure, error) {
	matches, err := matchGlobInSandbox(box, sc.Path)
	if err != nil {
		return nil, err
	}

	var failures []types.GateFailure
	for _, path := range matches {
		raw, err := box.ReadFile(path)
		if err != nil {
			failures = append(failures, types.GateFailure{Message: "could not read " + path, File: path})
			continue
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			failures = append(failures, types.GateFailure{Message: "invalid JSON: " + err.Error(), File: path})
			continue
		}
		for _, rule := range sc.Rules {
			if msg, ok := applySchemaRule(rule, doc, raw); !ok {
				failures = append(failures, types.GateFailure{Message: msg, File: path})
			}
		}
	}
	return failures, nil
}

func applySchemaRule(rule SchemaRule, doc any, raw []byte) (string, bool) {
	switch rule.Kind {
	case RuleHasField:
		if _, ok := resolveDotPath(doc, rule.Field); !ok {
			return fmt.Sprintf("missing field %q", rule.Field), false
		}
		return "", true
	case RuleFieldType:
		val, ok := resolveDotPath(doc, rule.Field)
		if !ok {
			return fmt.Sprintf("missing field %q", rule.Field), false
		}
		if !matchesJSONType(val, rule.Type) {
			return fmt.Sprintf("field %q has wrong type, want %s", rule.Field, rule.Type), false
		}
		return "", true
	case RuleMatchesRegex:
		val, ok := resolveDotPath(doc, rule.Field)
		if !ok {
			return fmt.Sprintf("missing field %q", rule.Field), false
		}
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("field %q is not a string", rule.Field), false
		}
		re := regexp.MustCompile(rule.Pattern)
		if !re.MatchString(s) {
			return fmt.Sprintf("field %q value %q does not match %s", rule.Field, s, rule.Pattern), false
		}
		return "", true
	case RuleJSONSchema:
		schemaLoader := gojsonschema.NewStringLoader(rule.Schema)
		docLoader := gojsonschema.NewBytesLoader(raw)
		result, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return "schema validation error: " + err.Error(), false
		}
		if !result.Valid() {
			var msgs []string
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return "schema validation failed: " + strings.Join(msgs, "; "), false
		}
		return "", true
	}
	return "unknown rule kind", false
}

func resolveDotPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func matchesJSONType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	}
	return false
}

// namingPatterns are the built-in conventions spec.md §4.4 names. Each
// pattern matches a file's base name without extension.
var namingPatterns = map[string]*regexp.Regexp{
	"kebab-case":           regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`),
	"camelcase":            regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`),
	"pascalcase":           regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*$`),
	"snake_case":           regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`),
	"screaming_snake_case": regexp.MustCompile(`^[A-Z0-9]+(_[A-Z0-9]+)*$`),
}

func (r *ContractsRunner) checkNaming(box sandbox.Sandbox, rule NamingRule) []types.GateFailure {
	pattern, builtin := namingPatterns[rule.Convention]
	if !builtin {
		pattern = regexp.MustCompile(rule.Convention)
	}

	matches, err := matchGlobInSandbox(box, rule.Path)
	if err != nil || len(matches) == 0 {
		// empty match set passes vacuously, per spec.md §4.4
		return nil
	}

	var failures []types.GateFailure
	for _, path := range matches {
		base := baseNameNoExt(path)
		if !pattern.MatchString(base) {
			failures = append(failures, types.GateFailure{
				Message: fmt.Sprintf("%s does not match naming convention %s", path, rule.Convention),
				File:    path,
			})
		}
	}
	return failures
}

func baseNameNoExt(path string) string {
	base := path
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}

// walkSandbox lists every regular file under root in box, recursively.
func walkSandbox(box sandbox.Sandbox, root string) ([]string, error) {
	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := box.ListFiles(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir {
				if err := walk(e.Path); err != nil {
					return err
				}
				continue
			}
			out = append(out, e.Path)
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// matchGlobInSandbox finds every file matching a gitignore-style glob
// pattern, reusing go-gitignore's ** semantics instead of filepath.Glob
// (which doesn't support **).
func matchGlobInSandbox(box sandbox.Sandbox, pattern string) ([]string, error) {
	matcher := ignore.CompileIgnoreLines(pattern)
	files, err := walkSandbox(box, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if matcher.MatchesPath(f) {
			out = append(out, f)
		}
	}
	return out, nil
}
