package ruleset

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func quote(s string) string {
	if identifierRegex.MatchString(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds nft scripts. The daemon never feeds these to nft;
// they are the human-readable form of what the applier programs over netlink.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 64),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable() {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
}

// DeleteTable adds a table deletion command.
func (b *ScriptBuilder) DeleteTable() {
	b.AddLine(fmt.Sprintf("delete table %s %s", b.family, b.tableName))
}

// AddChain adds a chain creation command. Base chains need hook and policy.
func (b *ScriptBuilder) AddChain(name, hook string, priority int, policy, comment string) {
	commentClause := ""
	if comment != "" {
		commentClause = fmt.Sprintf(" comment %q;", comment)
	}
	if hook != "" {
		b.AddLine(fmt.Sprintf("add chain %s %s %s { type filter hook %s priority %d; policy %s;%s }",
			b.family, b.tableName, quote(name), hook, priority, policy, commentClause))
		return
	}
	if commentClause != "" {
		b.AddLine(fmt.Sprintf("add chain %s %s %s {%s }", b.family, b.tableName, quote(name), commentClause))
		return
	}
	b.AddLine(fmt.Sprintf("add chain %s %s %s", b.family, b.tableName, quote(name)))
}

// FlushChain empties a chain.
func (b *ScriptBuilder) FlushChain(name string) {
	b.AddLine(fmt.Sprintf("flush chain %s %s %s", b.family, b.tableName, quote(name)))
}

// DeleteChain removes a chain.
func (b *ScriptBuilder) DeleteChain(name string) {
	b.AddLine(fmt.Sprintf("delete chain %s %s %s", b.family, b.tableName, quote(name)))
}

// AddRule adds a rule to a chain. comment is optional.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr, comment string) {
	commentClause := ""
	if comment != "" {
		commentClause = fmt.Sprintf(" comment %q", comment)
	}
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s%s", b.family, b.tableName, quote(chainName), ruleExpr, commentClause))
}

// AddSet adds a set creation command.
func (b *ScriptBuilder) AddSet(name, setType, comment string) {
	commentClause := ""
	if comment != "" {
		commentClause = fmt.Sprintf(" comment %q;", comment)
	}
	b.AddLine(fmt.Sprintf("add set %s %s %s { type %s;%s }", b.family, b.tableName, quote(name), setType, commentClause))
}

// FlushSet empties a set.
func (b *ScriptBuilder) FlushSet(name string) {
	b.AddLine(fmt.Sprintf("flush set %s %s %s", b.family, b.tableName, quote(name)))
}

// DeleteSet removes a set.
func (b *ScriptBuilder) DeleteSet(name string) {
	b.AddLine(fmt.Sprintf("delete set %s %s %s", b.family, b.tableName, quote(name)))
}

// AddSetElements adds elements to an existing set.
func (b *ScriptBuilder) AddSetElements(setName string, elements []string) {
	if len(elements) == 0 {
		return
	}
	b.AddLine(fmt.Sprintf("add element %s %s %s { %s }", b.family, b.tableName, quote(setName), strings.Join(elements, ", ")))
}

// Build returns the complete script as a string.
func (b *ScriptBuilder) Build() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// String returns the script for debugging.
func (b *ScriptBuilder) String() string {
	return b.Build()
}
