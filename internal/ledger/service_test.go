package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guildhall-labs/guildhall/backend/internal/platform"
)

func TestRecordMessageAwardsExperienceAndCoins(t *testing.T) {
	fixture := mustService(t, rollMin)

	outcome := fixture.service.RecordMessage(context.Background(), "member-1")
	if outcome.CooldownActive {
		t.Fatalf("first message should not be on cooldown")
	}
	if outcome.ExperienceAwarded != experienceMin {
		t.Fatalf("expected %d experience, got %d", experienceMin, outcome.ExperienceAwarded)
	}
	if outcome.PassiveCoins != passiveCoinMin {
		t.Fatalf("expected %d passive coins, got %d", passiveCoinMin, outcome.PassiveCoins)
	}

	progress := fixture.service.Progress("member-1")
	if progress.Experience != experienceMin {
		t.Fatalf("expected stored experience %d, got %d", experienceMin, progress.Experience)
	}
	if progress.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", progress.MessageCount)
	}
	if progress.Level != 1 {
		t.Fatalf("expected level 1, got %d", progress.Level)
	}

	wallet := fixture.service.Balance("member-1")
	if wallet.OnHand != int64(passiveCoinMin) {
		t.Fatalf("expected %d coins on hand, got %d", passiveCoinMin, wallet.OnHand)
	}
}

func TestRecordMessageIgnoresAutomatedAuthors(t *testing.T) {
	fixture := mustService(t, rollMin)
	fixture.platform.MarkAutomated("bot-1")

	outcome := fixture.service.RecordMessage(context.Background(), "bot-1")
	if outcome.ExperienceAwarded != 0 || outcome.PassiveCoins != 0 {
		t.Fatalf("bot messages must earn nothing: %+v", outcome)
	}
	if got := fixture.service.Balance("bot-1").OnHand; got != 0 {
		t.Fatalf("expected empty bot wallet, got %d", got)
	}
}

func TestRecordMessageCooldownStillPaysPassiveCoins(t *testing.T) {
	fixture := mustService(t, rollMin)

	first := fixture.service.RecordMessage(context.Background(), "member-1")
	second := fixture.service.RecordMessage(context.Background(), "member-1")

	if first.CooldownActive {
		t.Fatalf("first message should not be on cooldown")
	}
	if !second.CooldownActive {
		t.Fatalf("second message inside the window should be on cooldown")
	}
	if second.ExperienceAwarded != 0 {
		t.Fatalf("cooldown message must not award experience, got %d", second.ExperienceAwarded)
	}
	if second.PassiveCoins == 0 {
		t.Fatalf("passive coins apply even during the experience cooldown")
	}

	progress := fixture.service.Progress("member-1")
	if progress.MessageCount != 1 {
		t.Fatalf("cooldown messages must not count, got %d", progress.MessageCount)
	}
	wallet := fixture.service.Balance("member-1")
	if wallet.OnHand != 2*int64(passiveCoinMin) {
		t.Fatalf("expected coins from both messages, got %d", wallet.OnHand)
	}
}

func TestRecordMessageLevelsUpOnceAndDiscardsExcess(t *testing.T) {
	fixture := mustService(t, rollMax)

	var leveled *MessageOutcome
	for i := 0; i < 8; i++ {
		outcome := fixture.service.RecordMessage(context.Background(), "member-1")
		if outcome.LeveledUp {
			if leveled != nil {
				t.Fatalf("expected a single level-up")
			}
			captured := outcome
			leveled = &captured
		}
		fixture.clock.Advance(experienceCooldown + time.Second)
	}

	if leveled == nil {
		t.Fatalf("expected a level-up after crossing the threshold")
	}
	if leveled.NewLevel != 2 {
		t.Fatalf("expected level 2, got %d", leveled.NewLevel)
	}
	if leveled.LevelReward != 2*levelRewardPerLevel {
		t.Fatalf("expected reward %d, got %d", 2*levelRewardPerLevel, leveled.LevelReward)
	}

	progress := fixture.service.Progress("member-1")
	if progress.Level != 2 {
		t.Fatalf("expected stored level 2, got %d", progress.Level)
	}
	if progress.Experience != 0 {
		t.Fatalf("excess experience must be discarded on level-up, got %d", progress.Experience)
	}
	if progress.Experience >= ExperienceThreshold(progress.Level) {
		t.Fatalf("experience must stay below the next threshold")
	}

	wallet := fixture.service.Balance("member-1")
	expected := int64(8*passiveCoinMax) + int64(2*levelRewardPerLevel)
	if wallet.OnHand != expected {
		t.Fatalf("expected %d coins on hand, got %d", expected, wallet.OnHand)
	}
}

func TestClaimDailyGatesOnCooldown(t *testing.T) {
	fixture := mustService(t, rollMin)

	reward, err := fixture.service.ClaimDaily(context.Background(), "member-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reward.Base != dailyBaseMin || reward.Bonus != 0 {
		t.Fatalf("unexpected reward split: %+v", reward)
	}
	if reward.OnHand != int64(dailyBaseMin) {
		t.Fatalf("expected %d on hand, got %d", dailyBaseMin, reward.OnHand)
	}

	fixture.clock.Advance(time.Hour)
	_, err = fixture.service.ClaimDaily(context.Background(), "member-1")
	var rejection *Rejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if rejection.Kind != RejectionCooldownActive {
		t.Fatalf("expected cooldown rejection, got %s", rejection.Kind)
	}
	if rejection.RetryAfter <= 0 {
		t.Fatalf("cooldown rejection must carry the remaining wait")
	}
	if want := dailyCooldown - time.Hour; rejection.RetryAfter != want {
		t.Fatalf("expected retry after %s, got %s", want, rejection.RetryAfter)
	}

	fixture.clock.Advance(dailyCooldown)
	if _, err := fixture.service.ClaimDaily(context.Background(), "member-1"); err != nil {
		t.Fatalf("claim after the window should succeed: %v", err)
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()
	if _, err := fixture.service.ClaimDaily(ctx, "member-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := fixture.service.Deposit(ctx, "member-1", AmountAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Amount != int64(dailyBaseMin) || receipt.OnHand != 0 || receipt.Banked != int64(dailyBaseMin) {
		t.Fatalf("unexpected deposit receipt: %+v", receipt)
	}

	receipt, err = fixture.service.Withdraw(ctx, "member-1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.OnHand != 100 || receipt.Banked != int64(dailyBaseMin)-100 {
		t.Fatalf("unexpected withdraw receipt: %+v", receipt)
	}

	_, err = fixture.service.Withdraw(ctx, "member-1", 10_000)
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Kind != RejectionInsufficientFunds {
		t.Fatalf("expected insufficient funds rejection, got %v", err)
	}

	_, err = fixture.service.Deposit(ctx, "member-1", 0)
	if !errors.As(err, &rejection) || rejection.Kind != RejectionInvalidAmount {
		t.Fatalf("expected invalid amount rejection, got %v", err)
	}

	wallet := fixture.service.Balance("member-1")
	if wallet.OnHand < 0 || wallet.Banked < 0 {
		t.Fatalf("pools must never go negative: %+v", wallet)
	}
	if wallet.Total() != int64(dailyBaseMin) {
		t.Fatalf("moves must conserve total wealth, got %d", wallet.Total())
	}
}

func TestTransferAppliesTax(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()
	if _, err := fixture.service.ClaimDaily(ctx, "sender"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := fixture.service.Transfer(ctx, "sender", "receiver", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Debited != 100 || receipt.Tax != 5 || receipt.Credited != 95 {
		t.Fatalf("unexpected transfer receipt: %+v", receipt)
	}
	if receipt.SenderOnHand != int64(dailyBaseMin)-100 {
		t.Fatalf("expected sender debited the full amount, got %d", receipt.SenderOnHand)
	}
	if got := fixture.service.Balance("receiver").OnHand; got != 95 {
		t.Fatalf("expected receiver credited 95, got %d", got)
	}
}

func TestTransferRejections(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()
	fixture.platform.MarkAutomated("bot-1")
	if _, err := fixture.service.ClaimDaily(ctx, "sender"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name     string
		receiver string
		amount   int64
		kind     RejectionKind
	}{
		{name: "self transfer", receiver: "sender", amount: 10, kind: RejectionSelfTransfer},
		{name: "bot recipient", receiver: "bot-1", amount: 10, kind: RejectionAutomatedRecipient},
		{name: "non-positive amount", receiver: "receiver", amount: 0, kind: RejectionInvalidAmount},
		{name: "insufficient funds", receiver: "receiver", amount: 1_000_000, kind: RejectionInsufficientFunds},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fixture.service.Transfer(ctx, "sender", testCase.receiver, testCase.amount)
			var rejection *Rejection
			if !errors.As(err, &rejection) {
				t.Fatalf("expected a rejection, got %v", err)
			}
			if rejection.Kind != testCase.kind {
				t.Fatalf("expected %s, got %s", testCase.kind, rejection.Kind)
			}
		})
	}

	if got := fixture.service.Balance("sender").OnHand; got != int64(dailyBaseMin) {
		t.Fatalf("rejected transfers must not move funds, sender has %d", got)
	}
}

func TestGiveReputationCooldownKeyedOnGiver(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()

	score, err := fixture.service.GiveReputation(ctx, "giver", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 1 {
		t.Fatalf("expected score 1, got %d", score)
	}

	// The cooldown binds the giver, not the receiver.
	_, err = fixture.service.GiveReputation(ctx, "giver", "bob")
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Kind != RejectionCooldownActive {
		t.Fatalf("expected cooldown rejection for the same giver, got %v", err)
	}

	if _, err := fixture.service.GiveReputation(ctx, "other-giver", "alice"); err != nil {
		t.Fatalf("a different giver is not bound by the cooldown: %v", err)
	}
	if got := fixture.service.ReputationOf("alice").Score; got != 2 {
		t.Fatalf("expected alice at score 2, got %d", got)
	}

	fixture.clock.Advance(reputationCooldown + time.Minute)
	if _, err := fixture.service.GiveReputation(ctx, "giver", "bob"); err != nil {
		t.Fatalf("give after the window should succeed: %v", err)
	}
}

func TestGiveReputationRejectsSelfAndBots(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()
	fixture.platform.MarkAutomated("bot-1")

	var rejection *Rejection
	_, err := fixture.service.GiveReputation(ctx, "giver", "giver")
	if !errors.As(err, &rejection) || rejection.Kind != RejectionSelfReputation {
		t.Fatalf("expected self reputation rejection, got %v", err)
	}
	_, err = fixture.service.GiveReputation(ctx, "giver", "bot-1")
	if !errors.As(err, &rejection) || rejection.Kind != RejectionAutomatedRecipient {
		t.Fatalf("expected bot recipient rejection, got %v", err)
	}
}

func TestWarnEscalatesExactlyAtThreshold(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		receipt, err := fixture.service.Warn(ctx, "member-1", "mod-1", "spam")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if receipt.Escalated {
			t.Fatalf("warning %d must not escalate", i)
		}
	}

	receipt, err := fixture.service.Warn(ctx, "member-1", "mod-1", "spam again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Escalated {
		t.Fatalf("third warning must escalate")
	}
	if removed := fixture.platform.Removed(); len(removed) != 1 || removed[0] != "member-1" {
		t.Fatalf("expected a single removal of member-1, got %v", removed)
	}

	// A fourth warning past the threshold does not trigger a second removal.
	receipt, err = fixture.service.Warn(ctx, "member-1", "mod-1", "again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Escalated {
		t.Fatalf("warnings past the threshold must not re-escalate")
	}
	if removed := fixture.platform.Removed(); len(removed) != 1 {
		t.Fatalf("expected no further removals, got %v", removed)
	}
}

func TestWarnSequenceIsMonotonicAcrossRemoval(t *testing.T) {
	fixture := mustService(t, rollMin)
	ctx := context.Background()

	first, err := fixture.service.Warn(ctx, "member-1", "mod-1", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := fixture.service.Warn(ctx, "member-1", "mod-1", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Warning.SequenceID != 1 || second.Warning.SequenceID != 2 {
		t.Fatalf("expected sequence ids 1 and 2, got %d and %d", first.Warning.SequenceID, second.Warning.SequenceID)
	}

	if err := fixture.service.RemoveWarning(ctx, "member-1", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The next id is one above the highest surviving warning.
	third, err := fixture.service.Warn(ctx, "member-1", "mod-1", "c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Warning.SequenceID != 2 {
		t.Fatalf("expected next id above the highest surviving, got %d", third.Warning.SequenceID)
	}

	warnings := fixture.service.Warnings("member-1")
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(warnings))
	}
}

func TestWarnUnreachableMemberStillRecordsWarning(t *testing.T) {
	fixture := mustService(t, rollMin)
	fixture.platform.MarkUnreachable("member-1")

	receipt, err := fixture.service.Warn(context.Background(), "member-1", "mod-1", "")
	if err != nil {
		t.Fatalf("delivery failure must not fail the warning: %v", err)
	}
	if receipt.MemberNotified {
		t.Fatalf("expected notification to be reported undelivered")
	}

	warnings := fixture.service.Warnings("member-1")
	if len(warnings) != 1 {
		t.Fatalf("expected the warning to be recorded, got %d", len(warnings))
	}
	if warnings[0].Reason != defaultWarningReason {
		t.Fatalf("blank reasons fall back to the default, got %q", warnings[0].Reason)
	}
}

func TestRemoveWarningUnknownSequence(t *testing.T) {
	fixture := mustService(t, rollMin)

	err := fixture.service.RemoveWarning(context.Background(), "member-1", 7)
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Kind != RejectionUnknownWarning {
		t.Fatalf("expected unknown warning rejection, got %v", err)
	}
}

func TestLeaderboardsOrderAndLimit(t *testing.T) {
	fixture := mustService(t, rollMax)
	ctx := context.Background()

	// alice sends enough messages to level up, bob stays at level 1.
	for i := 0; i < 8; i++ {
		fixture.service.RecordMessage(ctx, "alice")
		fixture.clock.Advance(experienceCooldown + time.Second)
	}
	fixture.service.RecordMessage(ctx, "bob")

	levels := fixture.service.LevelLeaderboard(10)
	if len(levels) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(levels))
	}
	if levels[0].MemberID != "alice" || levels[1].MemberID != "bob" {
		t.Fatalf("expected alice above bob, got %v", levels)
	}

	if limited := fixture.service.LevelLeaderboard(1); len(limited) != 1 {
		t.Fatalf("expected the limit to apply, got %d entries", len(limited))
	}

	wealth := fixture.service.WealthLeaderboard(10)
	if wealth[0].MemberID != "alice" {
		t.Fatalf("expected alice richest after the level reward, got %v", wealth)
	}
}

func TestServiceStateSurvivesRestart(t *testing.T) {
	clock := newTestClock()
	db := mustOpenDatabase(t)
	store := mustStore(t, db, clock.Now)
	memory := platform.NewMemory()

	service, err := NewService(ServiceConfig{
		Store:     store,
		Directory: memory,
		Remover:   memory,
		Notifier:  memory,
		Clock:     clock.Now,
		Roll:      rollMin,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	ctx := context.Background()
	if _, err := service.ClaimDaily(ctx, "member-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Warn(ctx, "member-1", "mod-1", "spam"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	reloaded, err := NewService(ServiceConfig{
		Store:     mustStore(t, db, clock.Now),
		Directory: memory,
		Remover:   memory,
		Notifier:  memory,
		Clock:     clock.Now,
		Roll:      rollMin,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	if got := reloaded.Balance("member-1").OnHand; got != int64(dailyBaseMin) {
		t.Fatalf("expected wallet to survive restart, got %d", got)
	}
	if got := len(reloaded.Warnings("member-1")); got != 1 {
		t.Fatalf("expected warnings to survive restart, got %d", got)
	}

	// The daily cooldown also survives.
	_, err = reloaded.ClaimDaily(ctx, "member-1")
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Kind != RejectionCooldownActive {
		t.Fatalf("expected cooldown to survive restart, got %v", err)
	}
}
