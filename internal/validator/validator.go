// Package validator statically checks generated scene code before it is
// handed to the render engine. A failed render costs minutes; a failed
// validation costs microseconds, so everything that can be caught here is.
package validator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"mathmotion/internal/config"
	"mathmotion/internal/logging"
)

// Violation is a single failed check. Line is 1-based; 0 means the
// violation applies to the script as a whole.
type Violation struct {
	Rule    string
	Line    int
	Message string
}

// Result collects every violation found in one pass. The whole script is
// always checked; the repair prompt works better when the model sees all
// problems at once.
type Result struct {
	Valid      bool
	Violations []Violation
}

// Summary renders all violations as repair feedback.
func (r *Result) Summary() string {
	if r.Valid {
		return ""
	}
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if v.Line > 0 {
			parts = append(parts, fmt.Sprintf("%s (line %d): %s", v.Rule, v.Line, v.Message))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Rule, v.Message))
		}
	}
	return strings.Join(parts, "\n")
}

// Validator checks scene code for syntax errors, structural problems and
// denylisted API usage. Safe for concurrent use; rules can be swapped at
// runtime by the watcher.
type Validator struct {
	maxLines   int
	sceneClass string

	mu    sync.RWMutex
	rules []compiledRule
}

// New creates a Validator. Rules come from cfg.RulesPath when set,
// otherwise the built-in defaults.
func New(cfg config.ValidatorConfig) (*Validator, error) {
	rules, err := LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	maxLines := cfg.MaxLines
	if maxLines <= 0 {
		maxLines = 120
	}
	sceneClass := cfg.SceneClass
	if sceneClass == "" {
		sceneClass = "MathAnimation"
	}

	return &Validator{
		maxLines:   maxLines,
		sceneClass: sceneClass,
		rules:      compiled,
	}, nil
}

// SetRules replaces the denylist. Used by the rules watcher.
func (v *Validator) SetRules(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.rules = compiled
	v.mu.Unlock()
	logging.Validator("denylist replaced: %d rules", len(compiled))
	return nil
}

// Validate checks code and returns every violation found.
func (v *Validator) Validate(code string) *Result {
	result := &Result{}

	content := []byte(code)
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		result.add("syntax", 0, fmt.Sprintf("failed to parse script: %v", err))
		result.Valid = false
		return result
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		line := firstErrorLine(root)
		result.add("syntax", line, "script is not valid Python")
	}

	v.checkImport(code, result)
	v.checkSceneStructure(root, content, result)
	v.checkDenylist(code, result)
	v.checkLength(code, result)

	result.Valid = len(result.Violations) == 0
	if !result.Valid {
		logging.ValidatorDebug("validation failed: %d violations", len(result.Violations))
	}
	return result
}

func (r *Result) add(rule string, line int, message string) {
	r.Violations = append(r.Violations, Violation{Rule: rule, Line: line, Message: message})
}

// firstErrorLine finds the first ERROR or MISSING node in the tree.
func firstErrorLine(node *sitter.Node) int {
	if node.IsError() || node.IsMissing() {
		return int(node.StartPoint().Row) + 1
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if line := firstErrorLine(node.Child(i)); line > 0 {
			return line
		}
	}
	return 0
}

func (v *Validator) checkImport(code string, result *Result) {
	if !strings.Contains(code, "from manimlib import") && !strings.Contains(code, "import manimlib") {
		result.add("missing-import", 0, "script must import manimlib (from manimlib import *)")
	}
}

// checkSceneStructure enforces exactly one scene class, named correctly,
// with a construct entry method.
func (v *Validator) checkSceneStructure(root *sitter.Node, content []byte, result *Result) {
	classes := collectClasses(root, content)

	var sceneClasses []classInfo
	for _, c := range classes {
		if c.isScene {
			sceneClasses = append(sceneClasses, c)
		}
	}

	switch len(sceneClasses) {
	case 0:
		result.add("missing-scene-class", 0,
			fmt.Sprintf("script must define class %s(Scene)", v.sceneClass))
		return
	case 1:
	default:
		result.add("multiple-scene-classes", sceneClasses[1].line,
			"script must define exactly one Scene subclass")
	}

	scene := sceneClasses[0]
	if scene.name != v.sceneClass {
		result.add("scene-class-name", scene.line,
			fmt.Sprintf("scene class must be named %s, found %s", v.sceneClass, scene.name))
	}
	if !scene.hasConstruct {
		result.add("missing-construct", scene.line,
			fmt.Sprintf("class %s must define a construct(self) method", scene.name))
	}
}

type classInfo struct {
	name         string
	line         int
	isScene      bool
	hasConstruct bool
}

// collectClasses walks the AST for class definitions, including decorated
// ones, and records whether each subclasses Scene and defines construct.
func collectClasses(node *sitter.Node, content []byte) []classInfo {
	var classes []classInfo

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		switch child.Type() {
		case "class_definition":
			if info := parseClass(child, content); info != nil {
				classes = append(classes, *info)
			}
		case "decorated_definition":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				inner := child.NamedChild(j)
				if inner.Type() == "class_definition" {
					if info := parseClass(inner, content); info != nil {
						classes = append(classes, *info)
					}
				}
			}
		default:
			classes = append(classes, collectClasses(child, content)...)
		}
	}
	return classes
}

func parseClass(node *sitter.Node, content []byte) *classInfo {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}

	info := &classInfo{
		name: string(content[nameNode.StartByte():nameNode.EndByte()]),
		line: int(node.StartPoint().Row) + 1,
	}

	if supers := node.ChildByFieldName("superclasses"); supers != nil {
		bases := string(content[supers.StartByte():supers.EndByte()])
		info.isScene = strings.Contains(bases, "Scene")
	}

	if body := node.ChildByFieldName("body"); body != nil {
		info.hasConstruct = hasMethod(body, content, "construct")
	}
	return info
}

func hasMethod(body *sitter.Node, content []byte, name string) bool {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)

		fn := child
		if child.Type() == "decorated_definition" {
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if child.NamedChild(j).Type() == "function_definition" {
					fn = child.NamedChild(j)
					break
				}
			}
		}
		if fn.Type() != "function_definition" {
			continue
		}
		nameNode := fn.ChildByFieldName("name")
		if nameNode != nil && string(content[nameNode.StartByte():nameNode.EndByte()]) == name {
			return true
		}
	}
	return false
}

// checkDenylist reports the first match of each rule with its line.
func (v *Validator) checkDenylist(code string, result *Result) {
	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	for _, rule := range rules {
		loc := rule.re.FindStringIndex(code)
		if loc == nil {
			continue
		}
		line := strings.Count(code[:loc[0]], "\n") + 1
		result.add(rule.id, line, rule.message)
	}
}

func (v *Validator) checkLength(code string, result *Result) {
	lines := strings.Count(code, "\n") + 1
	if lines > v.maxLines {
		result.add("too-long", 0,
			fmt.Sprintf("script has %d lines, maximum is %d", lines, v.maxLines))
	}
}
