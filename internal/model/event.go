package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a state change recorded in the event feed.
type EventKind string

const (
	EventIssueCreated    EventKind = "IssueCreated"
	EventAssigneeChanged EventKind = "AssigneeChanged"
	EventWorkStarted     EventKind = "WorkStarted"
	EventRewardCredited  EventKind = "RewardCredited"
	EventRewardWithdrawn EventKind = "RewardWithdrawn"
)

// Event is an append-only audit record. It is written inside the same call
// frame as the change it describes, so a rolled-back call leaves no event.
//
// Seq is dense and starts at 1. CallID is the id of the frame that wrote it;
// several events may share one.
type Event struct {
	Seq     uint64         `json:"seq"`
	CallID  string         `json:"callId"`
	Kind    EventKind      `json:"kind"`
	IssueID *uint64        `json:"issueId,omitempty"`
	Actor   common.Address `json:"actor"`
	Subject common.Address `json:"subject"` // assignee or beneficiary, zero when not applicable
	Amount  *big.Int       `json:"amount,omitempty"`
	At      time.Time      `json:"at"`
}

func (e *Event) Clone() *Event {
	c := *e
	if e.IssueID != nil {
		id := *e.IssueID
		c.IssueID = &id
	}
	if e.Amount != nil {
		c.Amount = new(big.Int).Set(e.Amount)
	}
	return &c
}
