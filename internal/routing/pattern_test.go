package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		name        string
		pattern     string
		messageType string
		want        bool
	}{
		{"exact match", "contract.created", "contract.created", true},
		{"exact mismatch", "contract.created", "contract.updated", false},
		{"namespace wildcard matches", "contract.*", "contract.created", true},
		{"namespace wildcard matches deep", "contract.*", "contract.legal.signed", true},
		{"namespace wildcard mismatch", "contract.*", "invoice.created", false},
		{"namespace wildcard needs separator", "contract.*", "contracts", false},
		{"catch-all", "*", "anything.at.all", true},
		{"empty type vs exact", "contract.created", "", false},
		{"case sensitive", "Contract.created", "contract.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesPattern(tt.pattern, tt.messageType))
		})
	}
}

func TestSpecificityOrdering(t *testing.T) {
	// Exact types beat namespace wildcards, which beat the catch-all.
	assert.Greater(t, Specificity("contract.created"), Specificity("contract.*"))
	assert.Greater(t, Specificity("contract.*"), Specificity("*"))
	assert.Greater(t, Specificity("contract.legal.*"), Specificity("contract.*"))
	assert.Equal(t, 0, Specificity("*"))
}

func TestValidStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyDirect, StrategyContentBased, StrategyMulticast, StrategyRecipientList, StrategyDynamic} {
		assert.True(t, ValidStrategy(s), string(s))
	}
	assert.False(t, ValidStrategy("ROUND_ROBIN"))
	assert.False(t, ValidStrategy(""))
}
