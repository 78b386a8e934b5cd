package model

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"Feature", KindFeature, false},
		{"bug", KindBug, false},
		{"SUPPORT", KindSupport, false},
		{"chore", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKindAndStageInJSON(t *testing.T) {
	issue := Issue{
		Kind:         KindBug,
		Stage:        StageClosed,
		RewardAmount: big.NewInt(500),
	}

	raw, err := json.Marshal(issue)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"Bug"`)
	assert.Contains(t, string(raw), `"stage":"Closed"`)
	assert.Contains(t, string(raw), `"rewardAmount":500`)

	var back Issue
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, KindBug, back.Kind)
	assert.Equal(t, StageClosed, back.Stage)

	_, err = json.Marshal(Issue{Kind: Kind(7), RewardAmount: big.NewInt(1)})
	assert.Error(t, err)
}

func TestIssueCloneIsDeep(t *testing.T) {
	now := time.Now()
	beneficiary := common.HexToAddress("0xb0b")
	orig := &Issue{
		RewardAmount:  big.NewInt(10),
		Beneficiary:   &beneficiary,
		WorkStartedAt: &now,
		ClosedAt:      &now,
	}

	c := orig.Clone()
	c.RewardAmount.SetInt64(99)
	*c.Beneficiary = common.HexToAddress("0xdead")
	*c.WorkStartedAt = now.Add(time.Hour)

	assert.Equal(t, int64(10), orig.RewardAmount.Int64())
	assert.Equal(t, beneficiary, *orig.Beneficiary)
	assert.Equal(t, now, *orig.WorkStartedAt)
}

func TestCreditClone(t *testing.T) {
	c := NewCredit(common.HexToAddress("0xa"))
	c.Balance.SetInt64(5)

	d := c.Clone()
	d.Balance.SetInt64(0)
	d.PaidOut.SetInt64(5)

	assert.Equal(t, int64(5), c.Balance.Int64())
	assert.Zero(t, c.PaidOut.Sign())
}
