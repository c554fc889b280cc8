// Package foundry provides the Foundry compiler adapter for EVM contracts.
package foundry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/validation"
)

// ErrBuildFailed is returned when forge exits with an error.
var ErrBuildFailed = errors.New("forge build failed")

// Runner executes forge in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// Compiler implements chains.Compiler for Foundry projects
type Compiler struct {
	binary string
	run    Runner
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithBinary sets the forge executable.
func WithBinary(path string) Option {
	return func(c *Compiler) { c.binary = path }
}

// WithRunner replaces process execution, mainly for tests.
func WithRunner(r Runner) Option {
	return func(c *Compiler) { c.run = r }
}

// New creates a new Foundry compiler adapter
func New(opts ...Option) *Compiler {
	c := &Compiler{binary: "forge"}
	for _, opt := range opts {
		opt(c)
	}
	if c.run == nil {
		c.run = c.exec
	}
	return c
}

func (c *Compiler) exec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Name returns the compiler identifier
func (c *Compiler) Name() string {
	return "foundry"
}

// DisplayName returns a human-readable name
func (c *Compiler) DisplayName() string {
	return "Foundry"
}

// Chain returns the chain this compiler targets
func (c *Compiler) Chain() string {
	return "evm"
}

// ConfigFile returns the config file name
func (c *Compiler) ConfigFile() string {
	return "foundry.toml"
}

// Detect checks if a directory is a Foundry project
func (c *Compiler) Detect(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, c.ConfigFile()))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BuildArgs returns the forge arguments that reproduce the given settings.
// Storage layout and AST output are always requested.
func BuildArgs(opts chains.CompileOptions) []string {
	args := []string{"build", "--extra-output", "storageLayout", "--ast"}

	cfg := opts.Compiler
	if cfg.Version != "" {
		args = append(args, "--use", validation.NormalizeCompilerVersion(cfg.Version))
	}
	if cfg.Optimizer.Enabled {
		args = append(args, "--optimize", "--optimizer-runs", strconv.Itoa(cfg.Optimizer.Runs))
	}
	if cfg.EVMVersion != "" {
		args = append(args, "--evm-version", cfg.EVMVersion)
	}
	if cfg.ViaIR {
		args = append(args, "--via-ir")
	}

	sources := make([]string, 0, len(opts.Libraries))
	for s := range opts.Libraries {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		names := make([]string, 0, len(opts.Libraries[s]))
		for n := range opts.Libraries[s] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			args = append(args, "--libraries", fmt.Sprintf("%s:%s:%s", s, n, opts.Libraries[s][n]))
		}
	}

	return append(args, opts.ExtraArgs...)
}

// Compile runs forge build in dir and parses every artifact with bytecode.
func (c *Compiler) Compile(ctx context.Context, dir string, opts chains.CompileOptions) ([]*chains.Artifact, error) {
	out, err := c.run(ctx, dir, BuildArgs(opts)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrBuildFailed, err, tail(out, 2048))
	}

	paths, err := c.Discover(dir, chains.DiscoverOptions{})
	if err != nil {
		return nil, err
	}

	units := make([]*unitMember, 0, len(paths))
	for _, p := range paths {
		raw, err := readArtifact(p)
		if err != nil {
			return nil, err
		}
		units = append(units, newUnitMember(p, raw))
	}

	artifacts := make([]*chains.Artifact, 0, len(paths))
	for _, target := range units {
		if !target.raw.hasBytecode() {
			continue
		}
		a, err := convert(target.path, target.raw, target.declarations(units))
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// unitMember is an artifact with what is needed to tell which solc
// compilation produced it. AST ids are only unique within one compilation,
// and forge runs one per compiler version.
type unitMember struct {
	path    string
	raw     *FoundryArtifact
	source  string // AST absolutePath
	version string
	sources SourcesMeta
	decls   map[int]string
}

func newUnitMember(path string, raw *FoundryArtifact) *unitMember {
	m := &unitMember{path: path, raw: raw, decls: immutableDeclarations(raw.AST)}
	var meta FoundryMetadata
	if raw.RawMetadata != "" && json.Unmarshal([]byte(raw.RawMetadata), &meta) == nil {
		m.version = meta.Compiler.Version
		m.sources = meta.Sources
	}
	var unit struct {
		AbsolutePath string `json:"absolutePath"`
	}
	if len(raw.AST) > 0 && json.Unmarshal(raw.AST, &unit) == nil {
		m.source = unit.AbsolutePath
	}
	return m
}

// declarations resolves immutable ids for m. Inherited immutables are
// declared in other source units, so the ASTs of every artifact compiled
// alongside m contribute.
func (m *unitMember) declarations(all []*unitMember) map[int]string {
	declared := make(map[int]string, len(m.decls))
	for _, other := range all {
		if other == m || !m.compiledWith(other) {
			continue
		}
		for id, name := range other.decls {
			declared[id] = name
		}
	}
	for id, name := range m.decls {
		declared[id] = name
	}
	return declared
}

func (m *unitMember) compiledWith(other *unitMember) bool {
	if other.source == "" {
		return false
	}
	if _, ok := m.sources[other.source]; !ok {
		return false
	}
	return m.version == "" || other.version == "" || m.version == other.version
}

func tail(out []byte, n int) string {
	out = bytes.TrimSpace(out)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}

// Discover finds all contract artifacts in a Foundry project's out directory
func (c *Compiler) Discover(dir string, opts chains.DiscoverOptions) ([]string, error) {
	outDir := filepath.Join(dir, "out")
	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("out directory not found - run 'forge build' first")
	}

	var artifacts []string
	err := filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		// out/{Source}.sol/{Contract}.json
		if !strings.HasSuffix(filepath.Dir(path), ".sol") {
			return nil
		}

		name := contractNameFromPath(path)
		if len(opts.Contracts) > 0 && !contains(opts.Contracts, name) {
			return nil
		}
		if excluded(name, opts.Exclude) {
			return nil
		}

		artifacts = append(artifacts, path)
		return nil
	})

	sort.Strings(artifacts)
	return artifacts, err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func excluded(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(name, pattern) || strings.HasPrefix(name, pattern) {
			return true
		}
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// contractNameFromPath strips ".json" and any version suffix forge adds
// when several compiler versions produce the same contract.
func contractNameFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// Parse parses a Foundry artifact file. Immutable names are resolved from
// the artifact's own AST only; Compile also reads the rest of its
// compilation unit.
func (c *Compiler) Parse(artifactPath string) (*chains.Artifact, error) {
	raw, err := readArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	if !raw.hasBytecode() {
		return nil, fmt.Errorf("contract has no bytecode (likely an interface)")
	}
	return convert(artifactPath, raw, immutableDeclarations(raw.AST))
}

func readArtifact(path string) (*FoundryArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	var raw FoundryArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing artifact JSON %s: %w", filepath.Base(path), err)
	}
	return &raw, nil
}

func convert(path string, raw *FoundryArtifact, declared map[int]string) (*chains.Artifact, error) {
	var metadata FoundryMetadata
	if raw.RawMetadata != "" {
		_ = json.Unmarshal([]byte(raw.RawMetadata), &metadata) // non-fatal
	}

	name := contractNameFromPath(path)

	var storage *layout.Layout
	if trimmed := bytes.TrimSpace(raw.StorageLayout); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		parsed, err := layout.Parse(raw.StorageLayout)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		storage = parsed
	}

	immutables := make(chains.ImmutableReferences, len(raw.DeployedBytecode.ImmutableReferences))
	for id, links := range raw.DeployedBytecode.ImmutableReferences {
		key := "ast:" + id
		if n, err := strconv.Atoi(id); err == nil {
			if declName, ok := declared[n]; ok {
				key = declName
			}
		}
		immutables[key] = append(immutables[key], toRanges(links)...)
	}

	return &chains.Artifact{
		Name:  name,
		Chain: "evm",
		EVM: &chains.EVMArtifact{
			SourcePath:             getFirstKey(metadata.Settings.CompilationTarget),
			License:                metadata.Sources.FirstLicense(),
			ABI:                    raw.ABI,
			Bytecode:               raw.Bytecode.Object,
			DeployedBytecode:       raw.DeployedBytecode.Object,
			StorageLayout:          storage,
			ImmutableReferences:    immutables,
			LinkReferences:         toLinkRefs(raw.Bytecode.LinkReferences),
			DeployedLinkReferences: toLinkRefs(raw.DeployedBytecode.LinkReferences),
			Compiler: chains.EVMCompiler{
				Version:    metadata.Compiler.Version,
				EVMVersion: metadata.Settings.EVMVersion,
				ViaIR:      metadata.Settings.ViaIR,
				Optimizer: chains.OptimizerConfig{
					Enabled: metadata.Settings.Optimizer.Enabled,
					Runs:    metadata.Settings.Optimizer.Runs,
				},
			},
		},
	}, nil
}

func toRanges(links []Link) []chains.ByteRange {
	out := make([]chains.ByteRange, 0, len(links))
	for _, l := range links {
		out = append(out, chains.ByteRange{Start: l.Start, Length: l.Length})
	}
	return out
}

func toLinkRefs(in map[string]map[string][]Link) chains.LinkReferences {
	if len(in) == 0 {
		return nil
	}
	out := make(chains.LinkReferences, len(in))
	for source, libs := range in {
		out[source] = make(map[string][]chains.ByteRange, len(libs))
		for name, links := range libs {
			out[source][name] = toRanges(links)
		}
	}
	return out
}

// immutableDeclarations walks a solc AST and returns the ids and names of
// every immutable state variable.
func immutableDeclarations(ast json.RawMessage) map[int]string {
	found := make(map[int]string)
	if len(ast) == 0 {
		return found
	}
	var root any
	if err := json.Unmarshal(ast, &root); err != nil {
		return found
	}

	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			if n["nodeType"] == "VariableDeclaration" && n["mutability"] == "immutable" {
				id, idOK := n["id"].(float64)
				name, nameOK := n["name"].(string)
				if idOK && nameOK {
					found[int(id)] = name
				}
			}
			for _, v := range n {
				walk(v)
			}
		case []any:
			for _, v := range n {
				walk(v)
			}
		}
	}
	walk(root)
	return found
}

// FoundryArtifact represents the structure of a Foundry artifact JSON file
type FoundryArtifact struct {
	ABI              json.RawMessage  `json:"abi"`
	Bytecode         BytecodeObject   `json:"bytecode"`
	DeployedBytecode DeployedBytecode `json:"deployedBytecode"`
	StorageLayout    json.RawMessage  `json:"storageLayout"`
	RawMetadata      string           `json:"rawMetadata"`
	AST              json.RawMessage  `json:"ast"`
}

func (a *FoundryArtifact) hasBytecode() bool {
	return a.Bytecode.Object != "" && a.Bytecode.Object != "0x"
}

// BytecodeObject represents bytecode in a Foundry artifact
type BytecodeObject struct {
	Object         string                       `json:"object"`
	SourceMap      string                       `json:"sourceMap"`
	LinkReferences map[string]map[string][]Link `json:"linkReferences"`
}

// DeployedBytecode adds the immutable table, keyed by AST id.
type DeployedBytecode struct {
	BytecodeObject
	ImmutableReferences map[string][]Link `json:"immutableReferences"`
}

// Link represents a library link or immutable reference
type Link struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// FoundryMetadata represents the parsed rawMetadata field
type FoundryMetadata struct {
	Compiler CompilerMeta `json:"compiler"`
	Language string       `json:"language"`
	Settings SettingsMeta `json:"settings"`
	Sources  SourcesMeta  `json:"sources"`
}

// CompilerMeta contains compiler information
type CompilerMeta struct {
	Version string `json:"version"`
}

// SettingsMeta contains compiler settings
type SettingsMeta struct {
	CompilationTarget map[string]string            `json:"compilationTarget"`
	EVMVersion        string                       `json:"evmVersion"`
	Libraries         map[string]map[string]string `json:"libraries"`
	Optimizer         OptimizerMeta                `json:"optimizer"`
	Remappings        []string                     `json:"remappings"`
	ViaIR             bool                         `json:"viaIR"`
}

// OptimizerMeta contains optimizer settings
type OptimizerMeta struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// SourcesMeta contains source file information
type SourcesMeta map[string]SourceMeta

// SourceMeta contains individual source file info
type SourceMeta struct {
	Keccak256 string   `json:"keccak256"`
	License   string   `json:"license"`
	URLs      []string `json:"urls"`
}

// FirstLicense returns the first license found in sources
func (s SourcesMeta) FirstLicense() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s[k].License != "" {
			return s[k].License
		}
	}
	return ""
}

// getFirstKey returns the first key from a map
func getFirstKey(m map[string]string) string {
	for k := range m {
		return k
	}
	return ""
}
