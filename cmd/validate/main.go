// Command validate checks provider payload fixtures against the pipeline's
// normalization layer before they are fed to a running instance. It verifies
// that every payload parses, carries a resolvable location reference, yields
// a reading that passes domain validation, and that deduplication keys do
// not silently collide within a provider file.
//
// Usage:
//
//	go run ./cmd/validate -dir data/mock
//	go run ./cmd/validate -dir data/mock -provider open-meteo
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/normalize"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

var providers = []string{
	normalize.ProviderOpenMeteo,
	normalize.ProviderOpenWeather,
	normalize.ProviderWorldClim,
}

func main() {
	dir := flag.String("dir", "data/mock", "directory containing per-provider fixture files")
	only := flag.String("provider", "", "validate a single provider (default all)")
	flag.Parse()

	if code := run(*dir, *only); code != 0 {
		os.Exit(code)
	}
}

func run(dir, only string) int {
	fmt.Println("=== Weather Payload Validation ===")
	fmt.Println()

	var phases []*phase
	total := 0
	for _, provider := range providers {
		if only != "" && provider != only {
			continue
		}
		path := filepath.Join(dir, provider+".json")
		payloads, err := loadPayloads(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load %s: %v\n", path, err)
			return 1
		}
		total += len(payloads)
		phases = append(phases,
			validateNormalization(provider, payloads),
			validateDedupeKeys(provider, payloads),
		)
	}

	if len(phases) == 0 {
		fmt.Fprintf(os.Stderr, "FATAL: unknown provider %q\n", only)
		return 1
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Payloads: %d\n", total)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func loadPayloads(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payloads []json.RawMessage
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("not a JSON array: %w", err)
	}
	return payloads, nil
}

// validateNormalization runs every payload through the reference extraction
// and full reading normalization the pipeline itself applies.
func validateNormalization(provider string, payloads []json.RawMessage) *phase {
	p := &phase{name: provider + ": normalization"}

	for i, raw := range payloads {
		ref, err := normalize.Ref(provider, raw)
		if err != nil {
			p.errorf("payload %d: ref extraction: %v", i, err)
			continue
		}
		if err := ref.Validate(); err != nil {
			p.errorf("payload %d: unresolvable reference: %v", i, err)
		}

		r, err := normalize.Reading(provider, raw)
		if err != nil {
			p.errorf("payload %d: normalize: %v", i, err)
			continue
		}
		if err := r.Validate(); err != nil {
			p.errorf("payload %d: invalid reading: %v", i, err)
		}
		if r.Source != provider {
			p.errorf("payload %d: source tag %q, want %q", i, r.Source, provider)
		}
		if r.Priority != normalize.Priority(provider) {
			p.errorf("payload %d: priority %d, want %d", i, r.Priority, normalize.Priority(provider))
		}
	}
	return p
}

// validateDedupeKeys flags payloads within one file that would merge into
// the same stored row. That is legal in the pipeline but almost always a
// fixture mistake: later payloads silently overwrite earlier ones.
func validateDedupeKeys(provider string, payloads []json.RawMessage) *phase {
	p := &phase{name: provider + ": dedupe keys"}

	type key struct {
		name string
		ts   int64
	}
	seen := make(map[key]int)
	for i, raw := range payloads {
		r, err := normalize.Reading(provider, raw)
		if err != nil {
			continue // reported by the normalization phase
		}
		ref, err := normalize.Ref(provider, raw)
		if err != nil {
			continue
		}
		k := key{name: refName(ref), ts: r.Timestamp.Unix()}
		if prev, ok := seen[k]; ok {
			p.errorf("payload %d duplicates payload %d (%s at %s)",
				i, prev, k.name, r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
			continue
		}
		seen[k] = i
	}
	return p
}

func refName(ref domain.LocationRef) string {
	if ref.Name != "" {
		return ref.Name
	}
	if ref.HasCoordinates() {
		return fmt.Sprintf("%.4f,%.4f", *ref.Lat, *ref.Lon)
	}
	return "?"
}
