package state

import (
	"fmt"
	"iter"
	"slices"

	"github.com/crytic/keel/deployment/journal"
)

// InvariantError is returned by Reduce for a message which cannot apply to the state, which means the journal was not
// written by the engine or was corrupted.
type InvariantError struct {
	Message journal.Message
	Reason  string
}

// Error implements error.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("cannot apply %s: %s", e.Message.Type(), e.Reason)
}

// Reduce returns the state resulting from applying a message to the given state. The given state is never modified.
func Reduce(current *DeploymentState, message journal.Message) (*DeploymentState, error) {
	violation := func(format string, args ...any) (*DeploymentState, error) {
		return nil, &InvariantError{Message: message, Reason: fmt.Sprintf(format, args...)}
	}

	switch m := message.(type) {
	case *journal.DeploymentInitialize:
		if current.ChainID != 0 && current.ChainID != m.ChainID {
			return violation("deployment was initialized on chain %d", current.ChainID)
		}
		copied := *current
		copied.ChainID = m.ChainID
		return &copied, nil

	case *journal.RunStart:
		next := *current
		next.RunCount++
		for _, executionState := range current.ExecutionStates {
			if executionState.Status != Timeout {
				continue
			}
			reopened := executionState.clone()
			reopened.Status = Started
			reopened.Reason = ""
			if last := reopened.LastInteraction(); last != nil && last.TimedOut {
				last = last.clone()
				last.TimedOut = false
				reopened.NetworkInteractions[len(reopened.NetworkInteractions)-1] = last
			}
			next = *next.with(reopened)
		}
		return &next, nil

	case *journal.ExecutionStateInitialize:
		if existing := current.Get(m.FutureID); existing != nil {
			return violation("future %s is already %s", m.FutureID, existing.Status)
		}
		return current.with(&ExecutionState{
			ID:                  m.FutureID,
			Type:                m.FutureType,
			Status:              Started,
			Strategy:            m.Strategy,
			Dependencies:        slices.Clone(m.Dependencies),
			Identity:            m.Identity,
			NetworkInteractions: make([]*NetworkInteraction, 0),
		}), nil

	case *journal.NetworkInteractionRequest:
		executionState := current.Get(m.FutureID)
		if executionState == nil || executionState.Status != Started {
			return violation("future %s is not started", m.FutureID)
		}
		if executionState.Interaction(m.InteractionID) != nil {
			return violation("interaction %d of %s already exists", m.InteractionID, m.FutureID)
		}
		next := executionState.clone()
		interaction := &NetworkInteraction{
			ID:   m.InteractionID,
			Type: m.InteractionType,
			From: m.From,
			To:   m.To,
			Data: m.Data,
		}
		if m.Value != nil {
			interaction.Value = m.Value.ToInt()
		}
		next.NetworkInteractions = append(next.NetworkInteractions, interaction)
		return current.with(next), nil

	case *journal.TransactionPrepareSend:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			// An allocated nonce may only be replaced while nothing was broadcast with it
			if len(n.LiveTransactions()) > 0 && *n.Nonce != m.Nonce {
				return fmt.Sprintf("nonce %d is already used by a transaction", *n.Nonce)
			}
			nonce := m.Nonce
			n.Nonce = &nonce
			n.Dropped = false
			return ""
		})

	case *journal.TransactionSend:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			if n.Nonce != nil && *n.Nonce != m.Nonce {
				return fmt.Sprintf("transaction nonce %d differs from the allocated nonce %d", m.Nonce, *n.Nonce)
			}
			if n.ConfirmedTransaction() != nil {
				return "interaction is already confirmed"
			}
			nonce := m.Nonce
			n.Nonce = &nonce
			n.Transactions = append(n.Transactions, Transaction{Hash: m.Transaction.Hash, Nonce: m.Nonce, Fees: m.Transaction.Fees})
			return ""
		})

	case *journal.TransactionConfirm:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			if n.ConfirmedTransaction() != nil {
				return "interaction is already confirmed"
			}
			for i := range n.Transactions {
				if n.Transactions[i].Hash == m.Hash && !n.Transactions[i].Dropped {
					receipt := m.Receipt
					n.Transactions[i].Receipt = &receipt
					return ""
				}
			}
			return fmt.Sprintf("unknown transaction %s", m.Hash)
		})

	case *journal.StaticCallComplete:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			if n.Type != journal.StaticCall {
				return "interaction is not a static call"
			}
			n.StaticCallResult = &StaticCallResult{Success: m.Success, ReturnData: m.ReturnData}
			return ""
		})

	case *journal.OnchainInteractionBumpFees:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			n.Bumps++
			return ""
		})

	case *journal.OnchainInteractionDropped:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			n.Dropped = true
			n.Nonce = nil
			for i := range n.Transactions {
				n.Transactions[i].Dropped = true
			}
			return ""
		})

	case *journal.OnchainInteractionTimeout:
		return updateInteraction(current, message, m.FutureID, m.InteractionID, func(n *NetworkInteraction) string {
			n.TimedOut = true
			return ""
		})

	case *journal.ExecutionSuccess:
		return complete(current, message, m.FutureID, Success, "", &m.Result)
	case *journal.ExecutionFailed:
		return complete(current, message, m.FutureID, Failed, m.Reason, nil)
	case *journal.ExecutionTimeout:
		return complete(current, message, m.FutureID, Timeout, m.Reason, nil)
	case *journal.ExecutionHeld:
		return complete(current, message, m.FutureID, Held, m.Reason, nil)

	case *journal.WipeExecutionState:
		if current.Get(m.FutureID) == nil {
			return violation("future %s has no state", m.FutureID)
		}
		return current.without(m.FutureID), nil

	default:
		return violation("unsupported message")
	}
}

// updateInteraction applies an update to one interaction of a started future. update returns a non-empty reason to
// reject the message.
func updateInteraction(
	current *DeploymentState,
	message journal.Message,
	futureID string,
	interactionID int,
	update func(*NetworkInteraction) string,
) (*DeploymentState, error) {
	executionState := current.Get(futureID)
	if executionState == nil || executionState.Status != Started {
		return nil, &InvariantError{Message: message, Reason: fmt.Sprintf("future %s is not started", futureID)}
	}
	next := executionState.clone()
	for i, interaction := range next.NetworkInteractions {
		if interaction.ID != interactionID {
			continue
		}
		updated := interaction.clone()
		if reason := update(updated); reason != "" {
			return nil, &InvariantError{Message: message, Reason: reason}
		}
		next.NetworkInteractions[i] = updated
		return current.with(next), nil
	}
	return nil, &InvariantError{Message: message, Reason: fmt.Sprintf("unknown interaction %d of %s", interactionID, futureID)}
}

// complete moves a started future to a terminal status.
func complete(
	current *DeploymentState,
	message journal.Message,
	futureID string,
	status ExecutionStatus,
	reason string,
	result *journal.Result,
) (*DeploymentState, error) {
	executionState := current.Get(futureID)
	if executionState == nil || executionState.Status != Started {
		return nil, &InvariantError{Message: message, Reason: fmt.Sprintf("future %s is not started", futureID)}
	}
	next := executionState.clone()
	next.Status = status
	next.Reason = reason
	if result != nil {
		copied := *result
		next.Result = &copied
	}
	return current.with(next), nil
}

// ReduceAll folds a sequence of messages, such as Journal.ReadAll, into a state starting from New.
func ReduceAll(messages iter.Seq2[journal.Message, error]) (*DeploymentState, error) {
	current := New()
	for message, err := range messages {
		if err != nil {
			return nil, err
		}
		if current, err = Reduce(current, message); err != nil {
			return nil, err
		}
	}
	return current, nil
}
