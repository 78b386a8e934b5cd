// Package model defines the data structures used throughout the registry.
//
// Amounts are *big.Int values in the ledger's base unit (wei). A *big.Int is a
// pointer to mutable state, so every type here that carries one offers a Clone
// method, and stores hand out clones rather than their own copies.
package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies an issue. It is fixed at creation.
type Kind uint8

const (
	KindFeature Kind = iota
	KindBug
	KindSupport
)

var kindNames = [...]string{
	KindFeature: "Feature",
	KindBug:     "Bug",
	KindSupport: "Support",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// ParseKind accepts the kind name in any letter case.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown issue kind %q", s)
}

// MarshalText makes Kind serialize as its name in JSON and TOML.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown issue kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Stage is an issue's lifecycle position. Open → Closed is the only transition.
type Stage uint8

const (
	StageOpen Stage = iota
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "Open"
	case StageClosed:
		return "Closed"
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	if s > StageClosed {
		return nil, fmt.Errorf("unknown stage %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	switch {
	case strings.EqualFold(string(text), "Open"):
		*s = StageOpen
	case strings.EqualFold(string(text), "Closed"):
		*s = StageClosed
	default:
		return fmt.Errorf("unknown stage %q", text)
	}
	return nil
}

// Issue is a unit of work with an escrowed reward.
//
// ID, Kind, Creator, Description, RewardAmount, RepoOwner and RepoName never
// change after creation. Assignee may change only while the issue is Open.
// The timestamps and Beneficiary are bookkeeping and never drive the lifecycle.
type Issue struct {
	ID           uint64         `json:"id"`
	Kind         Kind           `json:"kind"`
	Creator      common.Address `json:"creator"`
	Assignee     common.Address `json:"assignee"`
	Description  string         `json:"description"`
	RewardAmount *big.Int       `json:"rewardAmount"` // wei, always > 0
	RepoOwner    string         `json:"repoOwner"`
	RepoName     string         `json:"repoName"`
	Stage        Stage          `json:"stage"`

	Beneficiary   *common.Address `json:"beneficiary,omitempty"` // set when Closed
	CreatedAt     time.Time       `json:"createdAt"`
	WorkStartedAt *time.Time      `json:"workStartedAt,omitempty"`
	ClosedAt      *time.Time      `json:"closedAt,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with i.
func (i *Issue) Clone() *Issue {
	c := *i
	if i.RewardAmount != nil {
		c.RewardAmount = new(big.Int).Set(i.RewardAmount)
	}
	if i.Beneficiary != nil {
		b := *i.Beneficiary
		c.Beneficiary = &b
	}
	if i.WorkStartedAt != nil {
		t := *i.WorkStartedAt
		c.WorkStartedAt = &t
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

func (i *Issue) IsOpen() bool {
	return i.Stage == StageOpen
}
