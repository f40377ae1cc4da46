package fingerprint

import (
	"fmt"
	"math/rand"
	"time"
)

// greaseMetachars are the characters Chrome draws its two GREASE
// metacharacters from when building the "Not?A_Brand" template.
var greaseMetachars = []byte("( ) : ; = ? _")

// filteredGreaseMetachars strips the spaces used only as separators above,
// leaving the actual candidate character set.
var filteredGreaseMetachars = func() []byte {
	out := make([]byte, 0, 7)
	for _, c := range greaseMetachars {
		if c != ' ' {
			out = append(out, c)
		}
	}
	return out
}()

// SecChUAGenerator produces the Sec-CH-UA family of headers with Chrome's
// GREASE brand injection. A generator's chosen GREASE characters, GREASE
// version, and brand permutation are fixed at construction time and stable
// for its lifetime — two generators will usually disagree with each other,
// but a single generator is self-consistent across every request it builds
// headers for.
type SecChUAGenerator struct {
	chromeVersion int
	greaseVersion int
	brandOrder    []brand
}

type brand struct {
	name    string
	version string
}

// NewSecChUAGenerator creates a generator for the given Chrome major version,
// seeded from rng (pass nil to seed from a fresh source).
func NewSecChUAGenerator(chromeVersion int, rng *rand.Rand) *SecChUAGenerator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	c1 := filteredGreaseMetachars[rng.Intn(len(filteredGreaseMetachars))]
	c2 := filteredGreaseMetachars[rng.Intn(len(filteredGreaseMetachars))]
	greaseBrand := fmt.Sprintf("Not%cA%cBrand", c1, c2)

	greaseVersion := 99
	if rng.Float64() < 0.80 {
		greaseVersion = 24
	}

	brands := []brand{
		{name: greaseBrand, version: fmt.Sprintf("%d", greaseVersion)},
		{name: "Chromium", version: fmt.Sprintf("%d", chromeVersion)},
		{name: "Google Chrome", version: fmt.Sprintf("%d", chromeVersion)},
	}
	order := rng.Perm(len(brands))
	permuted := make([]brand, len(brands))
	for i, idx := range order {
		permuted[i] = brands[idx]
	}

	return &SecChUAGenerator{
		chromeVersion: chromeVersion,
		greaseVersion: greaseVersion,
		brandOrder:    permuted,
	}
}

// SecChUA renders the `sec-ch-ua` header value, e.g.
// `"Not?A_Brand";v="24", "Chromium";v="143", "Google Chrome";v="143"`.
func (g *SecChUAGenerator) SecChUA() string {
	out := ""
	for i, b := range g.brandOrder {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q;v=%q", b.name, b.version)
	}
	return out
}

// SecChUAFullVersionList renders the full-version-list high-entropy hint,
// using Chrome's convention of a zero-padded patch/build/revision suffix.
func (g *SecChUAGenerator) SecChUAFullVersionList() string {
	out := ""
	for i, b := range g.brandOrder {
		if i > 0 {
			out += ", "
		}
		version := b.version
		// Real Chrome/Chromium entries carry a full dotted version; the
		// GREASE brand keeps its bare integer version.
		if b.name == "Chromium" || b.name == "Google Chrome" {
			version = fmt.Sprintf("%d.0.0.0", g.chromeVersion)
		}
		out += fmt.Sprintf("%q;v=%q", b.name, version)
	}
	return out
}
