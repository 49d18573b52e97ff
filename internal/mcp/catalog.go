package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const toolNamespacePrefix = "mcp."

// NamespacedToolName builds the catalog-wide tool name. Server IDs are
// dot-free (ServerIdentity.Validate enforces it), so the mapping is
// reversible even when the raw tool name itself contains dots.
func NamespacedToolName(serverID, rawName string) string {
	return toolNamespacePrefix + serverID + "." + rawName
}

// SplitToolName reverses NamespacedToolName. ok is false for names that were
// not produced by it.
func SplitToolName(name string) (serverID, rawName string, ok bool) {
	rest, found := strings.CutPrefix(name, toolNamespacePrefix)
	if !found {
		return "", "", false
	}
	serverID, rawName, found = strings.Cut(rest, ".")
	if !found || serverID == "" || rawName == "" {
		return "", "", false
	}
	return serverID, rawName, true
}

// CatalogWarning records one server whose tools could not be listed during a
// merge. The merge itself still succeeds with the remaining servers.
type CatalogWarning struct {
	Server string
	Err    error
}

func (w CatalogWarning) String() string {
	return fmt.Sprintf("%s: %v", w.Server, w.Err)
}

// Catalog is a merged tool snapshot across every connected server, built
// fresh for each orchestration turn.
type Catalog struct {
	Tools    []ToolDescriptor
	Warnings []CatalogWarning

	byName map[string]ToolDescriptor
}

// NewCatalog builds a catalog straight from descriptors, keeping the first
// tool for any duplicated name.
func NewCatalog(tools []ToolDescriptor) *Catalog {
	c := &Catalog{byName: make(map[string]ToolDescriptor, len(tools))}
	for _, tool := range tools {
		if _, exists := c.byName[tool.Name]; exists {
			continue
		}
		c.byName[tool.Name] = tool
		c.Tools = append(c.Tools, tool)
	}
	return c
}

// Lookup resolves a namespaced tool name to its descriptor.
func (c *Catalog) Lookup(name string) (ToolDescriptor, bool) {
	tool, ok := c.byName[name]
	return tool, ok
}

// MergeCatalog lists tools from every Conn in parallel and merges the
// results. A failing server contributes a warning, not an error; on a
// namespaced-name collision the first server wins, in the order given.
func MergeCatalog(ctx context.Context, conns []*Conn) *Catalog {
	type listing struct {
		tools []ToolDescriptor
		err   error
	}

	listings := make([]listing, len(conns))
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *Conn) {
			defer wg.Done()
			tools, err := conn.ListTools(ctx)
			listings[i] = listing{tools: tools, err: err}
		}(i, conn)
	}
	wg.Wait()

	catalog := &Catalog{byName: make(map[string]ToolDescriptor)}
	for i, conn := range conns {
		serverID := conn.Identity().ID
		if listings[i].err != nil {
			slog.Warn("tool listing failed, excluding server from catalog",
				"server", serverID,
				"error", listings[i].err,
			)
			catalog.Warnings = append(catalog.Warnings, CatalogWarning{Server: serverID, Err: listings[i].err})
			continue
		}
		for _, tool := range listings[i].tools {
			if _, exists := catalog.byName[tool.Name]; exists {
				slog.Warn("duplicate tool name in catalog, keeping first", "tool", tool.Name, "server", serverID)
				continue
			}
			catalog.byName[tool.Name] = tool
			catalog.Tools = append(catalog.Tools, tool)
		}
	}
	return catalog
}

// ValidateToolArgs checks arguments against the tool's declared input schema
// before anything goes on the wire. Tools without a usable schema accept any
// arguments.
func ValidateToolArgs(tool ToolDescriptor, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	rawSchema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(rawSchema)); err != nil {
		slog.Debug("skipping argument validation, schema not loadable", "tool", tool.Name, "error", err)
		return nil
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		slog.Debug("skipping argument validation, schema does not compile", "tool", tool.Name, "error", err)
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so the document only holds the types the
	// validator understands.
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return &ToolError{Code: codeInvalidParams, Message: fmt.Sprintf("arguments for %s are not serializable: %v", tool.Name, err)}
	}
	var doc any
	if err := json.Unmarshal(rawArgs, &doc); err != nil {
		return &ToolError{Code: codeInvalidParams, Message: fmt.Sprintf("arguments for %s are not valid JSON: %v", tool.Name, err)}
	}

	if err := schema.Validate(doc); err != nil {
		return &ToolError{Code: codeInvalidParams, Message: fmt.Sprintf("arguments for %s rejected by schema: %v", tool.Name, err)}
	}
	return nil
}
