package testutil

import (
	"maps"

	"github.com/keboola/osiris/internal/ir"
)

// FixturePassword is the secret value tests inject for FIXTURE_PASSWORD.
const FixturePassword = "s3cr3t-fixture-pw"

// FixtureSecretVar is the environment variable the fixture connection
// references.
const FixtureSecretVar = "FIXTURE_PASSWORD"

// Env returns a lookup over a fixed variable set.
func Env(vars map[string]string) func(string) (string, bool) {
	vars = maps.Clone(vars)
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// FixtureEnv is Env with FIXTURE_PASSWORD set.
func FixtureEnv() func(string) (string, bool) {
	return Env(map[string]string{FixtureSecretVar: FixturePassword})
}

// OrdersManifest returns the two-step extract/write manifest: extract_a
// produces rows from the fixture source, write_b writes them to
// orders.csv. Edit the returned steps to vary the scenario.
func OrdersManifest(rows int64) *ir.Manifest {
	m := &ir.Manifest{
		HashAlgorithm:   ir.HashSHA256,
		ManifestVersion: ir.ManifestVersion,
		CompilerVersion: ir.CompilerVersion,
		PipelineSlug:    "orders_daily",
		PipelineName:    "Orders daily",
		Steps: []ir.ManifestStep{
			{
				ID:        "extract_a",
				Component: "fixture.extractor",
				Mode:      ir.ModeRead,
				Config:    map[string]any{"rows": rows, "seed": int64(7)},
				Inputs:    map[string]ir.InputRef{},
				Connection: &ir.ResolvedConnection{
					Family: "fixture",
					Alias:  "main",
					Params: map[string]any{
						"host":     "fixture.local",
						"password": ir.Placeholder(FixtureSecretVar),
					},
				},
				SecretPlaceholders: []string{FixtureSecretVar},
				ConfigPath:         "cfg/extract_a.json",
			},
			{
				ID:                 "write_b",
				Component:          "csv.writer",
				Mode:               ir.ModeWrite,
				Config:             map[string]any{"path": "orders.csv"},
				Inputs:             map[string]ir.InputRef{"df": {Step: "extract_a", Output: "df"}},
				SecretPlaceholders: []string{},
				ConfigPath:         "cfg/write_b.json",
			},
		},
	}
	Must(m.Seal(7))
	return m
}

// Must panics on err; fixtures are static.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}
