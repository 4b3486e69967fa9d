package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guildhall-labs/guildhall/backend/internal/platform"
	"go.uber.org/zap"
)

const (
	experienceCooldown = 60 * time.Second
	experienceMin      = 10
	experienceMax      = 25
	passiveCoinMin     = 2
	passiveCoinMax     = 5
	// One in inlineFlushOdds message events triggers a durability flush as a
	// backstop between periodic flush ticks.
	inlineFlushOdds = 50

	dailyCooldown = 23*time.Hour + 30*time.Minute
	dailyBaseMin  = 300
	dailyBaseMax  = 1000
	dailyBonusMax = 500

	transferTaxPercent = 5
	reputationCooldown = 12 * time.Hour

	levelRewardPerLevel        = 100
	warningEscalationThreshold = 3

	defaultWarningReason = "no reason provided"
)

// AmountAll is the sentinel amount meaning "everything available in the
// source pool".
const AmountAll int64 = -1

var (
	errMissingStore     = errors.New("ledger: store is required")
	errMissingDirectory = errors.New("ledger: member directory is required")
	errMissingRemover   = errors.New("ledger: group remover is required")
	errMissingNotifier  = errors.New("ledger: notifier is required")
)

const (
	opRecordMessage = "ledger.record_message"
	opWarn          = "ledger.warn"
)

// ServiceConfig describes the dependencies of the gamification engine.
type ServiceConfig struct {
	Store     *Store
	Directory platform.Directory
	Remover   platform.GroupRemover
	Notifier  platform.Notifier
	Clock     func() time.Time
	// Roll returns a uniformly-random integer in [min, max]. Injected so
	// tests can fix the dice.
	Roll   func(min, max int) int
	Logger *zap.Logger
}

// Service owns the four in-memory ledger tables and applies every
// gamification and moderation operation to them. A single mutex guards the
// tables; collaborator calls and durable flushes happen outside it.
type Service struct {
	mu     sync.Mutex
	tables Tables

	store     *Store
	directory platform.Directory
	remover   platform.GroupRemover
	notifier  platform.Notifier
	clock     func() time.Time
	roll      func(min, max int) int
	logger    *zap.Logger
}

// NewService loads the ledger tables from the store and constructs the
// engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Remover == nil {
		return nil, errMissingRemover
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	roll := cfg.Roll
	if roll == nil {
		roll = defaultRoll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tables, err := cfg.Store.Load()
	if err != nil {
		return nil, newServiceError("ledger.service.new", "load_snapshot", err)
	}

	return &Service{
		tables:    tables,
		store:     cfg.Store,
		directory: cfg.Directory,
		remover:   cfg.Remover,
		notifier:  cfg.Notifier,
		clock:     clock,
		roll:      roll,
		logger:    logger,
	}, nil
}

func defaultRoll(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.IntN(max-min+1)
}

// MessageOutcome reports what a single inbound message earned its author.
type MessageOutcome struct {
	CooldownActive    bool
	ExperienceAwarded int64
	LeveledUp         bool
	NewLevel          int64
	LevelReward       int64
	PassiveCoins      int64
}

// RecordMessage applies the message-driven award: a cooldown-gated
// experience grant with at most one level-up, plus an unconditional passive
// currency trickle. With low probability it also flushes the tables as a
// durability backstop.
func (s *Service) RecordMessage(_ context.Context, memberID string) MessageOutcome {
	// Bot traffic earns nothing.
	if s.directory.IsAutomated(memberID) {
		return MessageOutcome{}
	}

	s.mu.Lock()
	now := s.clock().UTC()

	var outcome MessageOutcome
	progress := s.memberProgressLocked(memberID)

	elapsed := now.Unix() - progress.LastExperienceAtSeconds
	if progress.LastExperienceAtSeconds > 0 && elapsed < int64(experienceCooldown/time.Second) {
		outcome.CooldownActive = true
	} else {
		progress.MessageCount++
		outcome.ExperienceAwarded = int64(s.roll(experienceMin, experienceMax))
		progress.Experience += outcome.ExperienceAwarded
		progress.LastExperienceAtSeconds = now.Unix()

		// Exactly one level-up per message: excess experience beyond the
		// threshold is discarded, not carried over.
		if progress.Experience >= ExperienceThreshold(progress.Level) {
			progress.Level++
			progress.Experience = 0
			outcome.LeveledUp = true
			outcome.NewLevel = progress.Level
			outcome.LevelReward = progress.Level * levelRewardPerLevel

			wallet := s.tables.Economy[memberID]
			wallet.OnHand += outcome.LevelReward
			s.tables.Economy[memberID] = wallet
		}
	}
	s.tables.Levels[memberID] = progress

	outcome.PassiveCoins = int64(s.roll(passiveCoinMin, passiveCoinMax))
	wallet := s.tables.Economy[memberID]
	wallet.OnHand += outcome.PassiveCoins
	s.tables.Economy[memberID] = wallet

	inlineFlush := s.roll(1, inlineFlushOdds) == 1
	var snapshot Tables
	if inlineFlush {
		snapshot = s.tables.clone()
	}
	s.mu.Unlock()

	if inlineFlush {
		if err := s.store.Flush(snapshot); err != nil {
			s.logger.Error("inline ledger flush failed", zap.String("op", opRecordMessage), zap.Error(err))
		}
	}
	return outcome
}

func (s *Service) memberProgressLocked(memberID string) LevelProgress {
	progress, ok := s.tables.Levels[memberID]
	if !ok {
		progress = LevelProgress{Level: 1}
	}
	return progress
}

// DailyReward reports a successful daily claim.
type DailyReward struct {
	Base   int64
	Bonus  int64
	Total  int64
	OnHand int64
}

// ClaimDaily grants the daily reward, gated on a fixed window measured from
// the previous claim time.
func (s *Service) ClaimDaily(_ context.Context, memberID string) (DailyReward, error) {
	s.mu.Lock()
	now := s.clock().UTC()
	wallet := s.tables.Economy[memberID]

	if wallet.LastDailyClaimAtSeconds > 0 {
		sinceLast := now.Sub(time.Unix(wallet.LastDailyClaimAtSeconds, 0))
		if sinceLast < dailyCooldown {
			remaining := dailyCooldown - sinceLast
			s.mu.Unlock()
			rejection := reject(RejectionCooldownActive, "daily reward already claimed, %s remaining", formatWait(remaining))
			rejection.RetryAfter = remaining
			return DailyReward{}, rejection
		}
	}

	reward := DailyReward{
		Base:  int64(s.roll(dailyBaseMin, dailyBaseMax)),
		Bonus: int64(s.roll(0, dailyBonusMax)),
	}
	reward.Total = reward.Base + reward.Bonus
	wallet.OnHand += reward.Total
	wallet.LastDailyClaimAtSeconds = now.Unix()
	s.tables.Economy[memberID] = wallet
	reward.OnHand = wallet.OnHand
	snapshot := s.tables.clone()
	s.mu.Unlock()

	s.flushSnapshot(snapshot)
	return reward, nil
}

// MoveReceipt reports a completed deposit or withdrawal.
type MoveReceipt struct {
	Amount int64
	OnHand int64
	Banked int64
}

// Deposit moves funds from the on-hand pool into the bank. AmountAll moves
// everything on hand.
func (s *Service) Deposit(_ context.Context, memberID string, amount int64) (MoveReceipt, error) {
	return s.moveFunds(memberID, amount, true)
}

// Withdraw moves funds from the bank into the on-hand pool. AmountAll moves
// the full bank balance.
func (s *Service) Withdraw(_ context.Context, memberID string, amount int64) (MoveReceipt, error) {
	return s.moveFunds(memberID, amount, false)
}

func (s *Service) moveFunds(memberID string, amount int64, intoBank bool) (MoveReceipt, error) {
	s.mu.Lock()
	wallet := s.tables.Economy[memberID]

	source := wallet.Banked
	if intoBank {
		source = wallet.OnHand
	}
	if amount == AmountAll {
		amount = source
	}
	if amount <= 0 {
		s.mu.Unlock()
		return MoveReceipt{}, reject(RejectionInvalidAmount, "amount must be a positive integer or \"all\"")
	}
	if amount > source {
		s.mu.Unlock()
		return MoveReceipt{}, reject(RejectionInsufficientFunds, "only %d available in the source pool", source)
	}

	if intoBank {
		wallet.OnHand -= amount
		wallet.Banked += amount
	} else {
		wallet.Banked -= amount
		wallet.OnHand += amount
	}
	s.tables.Economy[memberID] = wallet
	receipt := MoveReceipt{Amount: amount, OnHand: wallet.OnHand, Banked: wallet.Banked}
	snapshot := s.tables.clone()
	s.mu.Unlock()

	s.flushSnapshot(snapshot)
	return receipt, nil
}

// TransferReceipt reports a completed member-to-member transfer.
type TransferReceipt struct {
	Debited      int64
	Tax          int64
	Credited     int64
	SenderOnHand int64
}

// Transfer moves on-hand funds between members. A fixed percentage tax is
// deducted from the amount before crediting the receiver; the sender is
// debited the full requested amount and the tax is destroyed.
func (s *Service) Transfer(_ context.Context, senderID, receiverID string, amount int64) (TransferReceipt, error) {
	if senderID == receiverID {
		return TransferReceipt{}, reject(RejectionSelfTransfer, "cannot transfer funds to yourself")
	}
	if s.directory.IsAutomated(receiverID) {
		return TransferReceipt{}, reject(RejectionAutomatedRecipient, "cannot transfer funds to a bot account")
	}
	if amount <= 0 {
		return TransferReceipt{}, reject(RejectionInvalidAmount, "amount must be a positive integer")
	}

	s.mu.Lock()
	sender := s.tables.Economy[senderID]
	if sender.OnHand < amount {
		onHand := sender.OnHand
		s.mu.Unlock()
		return TransferReceipt{}, reject(RejectionInsufficientFunds, "only %d on hand", onHand)
	}

	tax := amount * transferTaxPercent / 100
	receipt := TransferReceipt{Debited: amount, Tax: tax, Credited: amount - tax}

	sender.OnHand -= amount
	s.tables.Economy[senderID] = sender
	receiver := s.tables.Economy[receiverID]
	receiver.OnHand += receipt.Credited
	s.tables.Economy[receiverID] = receiver
	receipt.SenderOnHand = sender.OnHand
	snapshot := s.tables.clone()
	s.mu.Unlock()

	s.flushSnapshot(snapshot)
	return receipt, nil
}

// GiveReputation awards one reputation point to the receiver. The cooldown
// gate is keyed on the giver's last-given timestamp.
func (s *Service) GiveReputation(_ context.Context, giverID, receiverID string) (int64, error) {
	if giverID == receiverID {
		return 0, reject(RejectionSelfReputation, "cannot give reputation to yourself")
	}
	if s.directory.IsAutomated(receiverID) {
		return 0, reject(RejectionAutomatedRecipient, "cannot give reputation to a bot account")
	}

	s.mu.Lock()
	now := s.clock().UTC()
	giver := s.tables.Reputation[giverID]
	if giver.LastGivenAtSeconds > 0 {
		sinceLast := now.Sub(time.Unix(giver.LastGivenAtSeconds, 0))
		if sinceLast < reputationCooldown {
			remaining := reputationCooldown - sinceLast
			s.mu.Unlock()
			rejection := reject(RejectionCooldownActive, "reputation can be given every %s, %s remaining", reputationCooldown, formatWait(remaining))
			rejection.RetryAfter = remaining
			return 0, rejection
		}
	}

	giver.LastGivenAtSeconds = now.Unix()
	s.tables.Reputation[giverID] = giver
	receiver := s.tables.Reputation[receiverID]
	receiver.Score++
	s.tables.Reputation[receiverID] = receiver
	score := receiver.Score
	snapshot := s.tables.clone()
	s.mu.Unlock()

	s.flushSnapshot(snapshot)
	return score, nil
}

// WarnReceipt reports an issued warning and any escalation side effects.
type WarnReceipt struct {
	Warning       Warning
	TotalWarnings int
	// MemberNotified is false when the direct notice could not be delivered.
	MemberNotified bool
	Escalated      bool
	// EscalationFailed marks that the automatic removal was attempted and
	// failed; the warning itself is never rolled back.
	EscalationFailed bool
}

// Warn appends a warning with a per-member monotonic sequence id, notifies
// the member, and attempts an automatic group removal exactly when the
// warning count reaches the escalation threshold.
func (s *Service) Warn(ctx context.Context, memberID, issuerID, reason string) (WarnReceipt, error) {
	if strings.TrimSpace(reason) == "" {
		reason = defaultWarningReason
	}

	s.mu.Lock()
	now := s.clock().UTC()
	warnings := s.tables.Warnings[memberID]

	var highest int64
	for _, warning := range warnings {
		if warning.SequenceID > highest {
			highest = warning.SequenceID
		}
	}
	issued := Warning{
		SequenceID:      highest + 1,
		Reason:          reason,
		IssuerID:        issuerID,
		IssuedAtSeconds: now.Unix(),
	}
	warnings = append(warnings, issued)
	s.tables.Warnings[memberID] = warnings
	receipt := WarnReceipt{
		Warning:       issued,
		TotalWarnings: len(warnings),
		Escalated:     len(warnings) == warningEscalationThreshold,
	}
	snapshot := s.tables.clone()
	s.mu.Unlock()

	s.flushSnapshot(snapshot)

	notice := fmt.Sprintf("You received warning #%d: %s (%d/%d)", issued.SequenceID, reason, receipt.TotalWarnings, warningEscalationThreshold)
	switch err := s.notifier.Notify(ctx, memberID, notice); {
	case err == nil:
		receipt.MemberNotified = true
	case errors.Is(err, platform.ErrUnreachable):
		s.logger.Info("warned member unreachable", zap.String("member", memberID))
	default:
		s.logger.Warn("warning notice delivery failed", zap.String("member", memberID), zap.Error(err))
	}

	if receipt.Escalated {
		removalReason := fmt.Sprintf("removed automatically after %d warnings", warningEscalationThreshold)
		if err := s.remover.RemoveFromGroup(ctx, memberID, removalReason); err != nil {
			receipt.EscalationFailed = true
			s.logger.Error("automatic removal failed", zap.String("op", opWarn), zap.String("member", memberID), zap.Error(err))
		}
	}
	return receipt, nil
}

// Warnings returns the member's warnings in issue order.
func (s *Service) Warnings(memberID string) []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Warning(nil), s.tables.Warnings[memberID]...)
}

// RemoveWarning deletes a single warning by its sequence id.
func (s *Service) RemoveWarning(_ context.Context, memberID string, sequenceID int64) error {
	s.mu.Lock()
	warnings := s.tables.Warnings[memberID]
	index := -1
	for i, warning := range warnings {
		if warning.SequenceID == sequenceID {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return reject(RejectionUnknownWarning, "no warning #%d for this member", sequenceID)
	}

	s.tables.Warnings[memberID] = append(warnings[:index:index], warnings[index+1:]...)
	snapshot := s.tables.clone()
	s.mu.Unlock()

	s.flushSnapshot(snapshot)
	return nil
}

// Balance returns the member's wallet.
func (s *Service) Balance(memberID string) Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.Economy[memberID]
}

// Progress returns the member's level progress.
func (s *Service) Progress(memberID string) LevelProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberProgressLocked(memberID)
}

// ReputationOf returns the member's reputation record.
func (s *Service) ReputationOf(memberID string) Reputation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.Reputation[memberID]
}

// LevelEntry is one leaderboard row.
type LevelEntry struct {
	MemberID string
	Progress LevelProgress
}

// LevelLeaderboard returns up to limit members ordered by level, then
// experience, descending.
func (s *Service) LevelLeaderboard(limit int) []LevelEntry {
	s.mu.Lock()
	entries := make([]LevelEntry, 0, len(s.tables.Levels))
	for memberID, progress := range s.tables.Levels {
		entries = append(entries, LevelEntry{MemberID: memberID, Progress: progress})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Progress.Level != entries[j].Progress.Level {
			return entries[i].Progress.Level > entries[j].Progress.Level
		}
		if entries[i].Progress.Experience != entries[j].Progress.Experience {
			return entries[i].Progress.Experience > entries[j].Progress.Experience
		}
		return entries[i].MemberID < entries[j].MemberID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// WealthEntry is one wealth leaderboard row.
type WealthEntry struct {
	MemberID string
	Wallet   Wallet
}

// WealthLeaderboard returns up to limit members ordered by total wealth
// descending.
func (s *Service) WealthLeaderboard(limit int) []WealthEntry {
	s.mu.Lock()
	entries := make([]WealthEntry, 0, len(s.tables.Economy))
	for memberID, wallet := range s.tables.Economy {
		entries = append(entries, WealthEntry{MemberID: memberID, Wallet: wallet})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Wallet.Total() != entries[j].Wallet.Total() {
			return entries[i].Wallet.Total() > entries[j].Wallet.Total()
		}
		return entries[i].MemberID < entries[j].MemberID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// RunPeriodicFlush mirrors the tables to durable storage on a fixed
// interval until the context is cancelled. Flush failures are logged and
// never stop the loop.
func (s *Service) RunPeriodicFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushSnapshot(s.snapshot())
		}
	}
}

// Shutdown performs a final synchronous flush.
func (s *Service) Shutdown(_ context.Context) error {
	return s.store.Flush(s.snapshot())
}

func (s *Service) snapshot() Tables {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.clone()
}

func (s *Service) flushSnapshot(snapshot Tables) {
	if err := s.store.Flush(snapshot); err != nil {
		s.logger.Error("ledger flush failed", zap.Error(err))
	}
}

func formatWait(remaining time.Duration) string {
	remaining = remaining.Round(time.Minute)
	hours := int(remaining / time.Hour)
	minutes := int(remaining%time.Hour) / int(time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
