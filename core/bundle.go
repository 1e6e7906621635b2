package core

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// Bundle is everything the runner needs to execute one endpoint:
// content resolved through snapshot precedence plus the macro text
// prepended to it.
type Bundle struct {
	EndpointID      string      `json:"endpoint_id"`
	Content         string      `json:"content"`
	ParamSchema     []ParamSpec `json:"param_schema,omitempty"`
	Validators      []Validator `json:"validators,omitempty"`
	ResultTransform string      `json:"result_transform,omitempty"`
	SQLMacros       string      `json:"sql_macros,omitempty"`
	ScriptMacros    string      `json:"script_macros,omitempty"`
}

// loadBundle assembles an endpoint's bundle from the store. When the
// endpoint has a published version, the snapshot wins over the
// current content row.
func (ge *gatewayEngine) loadBundle(ctx context.Context, e *Endpoint) (*Bundle, error) {
	b := &Bundle{EndpointID: e.ID}

	if e.PublishedVersionID != "" {
		snap, err := ge.store.SnapshotByID(ctx, e.PublishedVersionID)
		if err != nil {
			return nil, err
		}
		b.Content = snap.Content
		b.ParamSchema = snap.ParamSchema
		b.Validators = snap.Validators
		b.ResultTransform = snap.ResultTransform
	} else {
		content, err := ge.store.ContentForEndpoint(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		b.Content = content.Content
		b.ParamSchema = content.ParamSchema
		b.Validators = content.Validators
		b.ResultTransform = content.ResultTransform
	}

	if err := ge.resolveMacros(ctx, e, b); err != nil {
		return nil, err
	}
	return b, nil
}

// resolveMacros prepends the published macros whose names appear as
// whole words in the content. A referenced macro that is unpublished
// fails the load; unreferenced unpublished macros are skipped.
func (ge *gatewayEngine) resolveMacros(ctx context.Context, e *Endpoint, b *Bundle) error {
	macros, err := ge.store.MacrosInScope(ctx, e.ModuleID)
	if err != nil {
		return err
	}

	var sqlParts, scriptParts []string
	for _, m := range macros {
		if !macroReferenced(b.Content, m.Name) {
			continue
		}
		if !m.Published {
			return newError(MacroUnpublished, "macro %q is referenced but not published", m.Name)
		}

		body, err := ge.store.LatestMacroBody(ctx, m.ID)
		if err != nil {
			return err
		}
		switch m.Kind {
		case MacroScript:
			scriptParts = append(scriptParts, body)
		default:
			sqlParts = append(sqlParts, body)
		}
	}

	b.SQLMacros = strings.Join(sqlParts, "\n")
	b.ScriptMacros = strings.Join(scriptParts, "\n")
	return nil
}

var (
	macroRefMu    sync.Mutex
	macroRefCache = map[string]*regexp.Regexp{}
)

// macroReferenced reports a whole-word occurrence of the macro name;
// substring hits don't count.
func macroReferenced(content, name string) bool {
	macroRefMu.Lock()
	re, ok := macroRefCache[name]
	if !ok {
		re = regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		macroRefCache[name] = re
	}
	macroRefMu.Unlock()
	return re.MatchString(content)
}
