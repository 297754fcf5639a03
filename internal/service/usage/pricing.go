package usage

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// Price is the cost of one service in micro-dollars.
type Price struct {
	PerRequestMicros        int64
	PerThousandTokensMicros int64
}

// Pricing derives a step's cost when the service does not report one.
type Pricing map[domain.ServiceKind]Price

func DefaultPricing() Pricing {
	return Pricing{
		domain.ServiceASR:       {PerRequestMicros: 6_000},
		domain.ServiceLLM:       {PerThousandTokensMicros: 2_000},
		domain.ServiceTTS:       {PerRequestMicros: 15_000},
		domain.ServiceAudioPost: {PerRequestMicros: 1_000},
	}
}

// Cost returns the price of one request that used tokens tokens, rounded
// to the nearest micro.
func (p Pricing) Cost(service domain.ServiceKind, tokens int64) int64 {
	price, ok := p[service]
	if !ok {
		return 0
	}
	cost := price.PerRequestMicros
	if tokens > 0 && price.PerThousandTokensMicros > 0 {
		cost += (tokens*price.PerThousandTokensMicros + 500) / 1000
	}
	return cost
}

type pricingFile struct {
	Services map[string]struct {
		PerRequest        float64 `yaml:"perRequest"`
		PerThousandTokens float64 `yaml:"perThousandTokens"`
	} `yaml:"services"`
}

// ParsePricing reads a YAML pricing table with prices in USD:
//
//	services:
//	  llm:
//	    perThousandTokens: 0.002
//	  tts:
//	    perRequest: 0.015
//
// Services missing from the document keep their default price.
func ParsePricing(input []byte) (Pricing, error) {
	var doc pricingFile
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	pricing := DefaultPricing()
	for name, entry := range doc.Services {
		service := domain.ServiceKind(name)
		if !service.Valid() {
			return nil, fmt.Errorf("pricing: unknown service %q", name)
		}
		if entry.PerRequest < 0 || entry.PerThousandTokens < 0 {
			return nil, fmt.Errorf("pricing: %s prices must be >= 0", name)
		}
		pricing[service] = Price{
			PerRequestMicros:        toMicros(entry.PerRequest),
			PerThousandTokensMicros: toMicros(entry.PerThousandTokens),
		}
	}
	return pricing, nil
}

// LoadPricing reads path, or returns the defaults when path is empty.
func LoadPricing(path string) (Pricing, error) {
	if path == "" {
		return DefaultPricing(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return ParsePricing(data)
}

func toMicros(usd float64) int64 {
	return int64(math.Round(usd * 1_000_000))
}
