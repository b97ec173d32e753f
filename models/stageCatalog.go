package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MilestoneStage is one of the seven fixed production checkpoints.
// The list is configuration, not data: stages and weights never vary per order.
type MilestoneStage string

const (
	StageMeasurementsConfirmed MilestoneStage = "MEASUREMENTS_CONFIRMED"
	StageFabricSourced         MilestoneStage = "FABRIC_SOURCED"
	StageCuttingStarted        MilestoneStage = "CUTTING_STARTED"
	StageStitchingInProgress   MilestoneStage = "STITCHING_IN_PROGRESS"
	StageFittingReady          MilestoneStage = "FITTING_READY"
	StageFinishingTouches      MilestoneStage = "FINISHING_TOUCHES"
	StageReadyForDelivery      MilestoneStage = "READY_FOR_DELIVERY"
)

// MilestoneStageWeight binds a stage to its share of the order payout and
// whether photographic proof is required on submission.
type MilestoneStageWeight struct {
	Stage         MilestoneStage
	Weight        decimal.Decimal
	PhotoRequired bool
}

var stageCatalog = []MilestoneStageWeight{
	{Stage: StageMeasurementsConfirmed, Weight: decimal.RequireFromString("0.10"), PhotoRequired: false},
	{Stage: StageFabricSourced, Weight: decimal.RequireFromString("0.15"), PhotoRequired: true},
	{Stage: StageCuttingStarted, Weight: decimal.RequireFromString("0.15"), PhotoRequired: true},
	{Stage: StageStitchingInProgress, Weight: decimal.RequireFromString("0.20"), PhotoRequired: true},
	{Stage: StageFittingReady, Weight: decimal.RequireFromString("0.15"), PhotoRequired: true},
	{Stage: StageFinishingTouches, Weight: decimal.RequireFromString("0.10"), PhotoRequired: false},
	{Stage: StageReadyForDelivery, Weight: decimal.RequireFromString("0.15"), PhotoRequired: true},
}

func init() {
	// Weights must sum to exactly 1.0; a bad catalog is a deploy error.
	if err := ValidateStageCatalog(); err != nil {
		panic(err)
	}
}

// ValidateStageCatalog checks the static catalog invariants: 7 stages,
// unique names, weights summing to exactly 1.0.
func ValidateStageCatalog() error {
	if len(stageCatalog) != 7 {
		return fmt.Errorf("stage catalog must have 7 stages, has %d", len(stageCatalog))
	}
	seen := map[MilestoneStage]bool{}
	sum := decimal.Zero
	for _, sw := range stageCatalog {
		if seen[sw.Stage] {
			return fmt.Errorf("duplicate stage %q in catalog", sw.Stage)
		}
		seen[sw.Stage] = true
		if sw.Weight.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("stage %q has non-positive weight %s", sw.Stage, sw.Weight)
		}
		sum = sum.Add(sw.Weight)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("stage weights must sum to 1.0, got %s", sum)
	}
	return nil
}

// StageCatalog returns the ordered stage list.
func StageCatalog() []MilestoneStageWeight {
	out := make([]MilestoneStageWeight, len(stageCatalog))
	copy(out, stageCatalog)
	return out
}

func IsValidStage(stage MilestoneStage) bool {
	for _, sw := range stageCatalog {
		if sw.Stage == stage {
			return true
		}
	}
	return false
}

func StageWeight(stage MilestoneStage) (decimal.Decimal, error) {
	for _, sw := range stageCatalog {
		if sw.Stage == stage {
			return sw.Weight, nil
		}
	}
	return decimal.Zero, fmt.Errorf("unknown milestone stage %q", stage)
}

func StagePhotoRequired(stage MilestoneStage) bool {
	for _, sw := range stageCatalog {
		if sw.Stage == stage {
			return sw.PhotoRequired
		}
	}
	return false
}

// StagePayout computes the escrow release amount for a stage against an
// order total, rounded to 2 decimal places.
func StagePayout(orderTotal decimal.Decimal, stage MilestoneStage) (decimal.Decimal, error) {
	weight, err := StageWeight(stage)
	if err != nil {
		return decimal.Zero, err
	}
	return orderTotal.Mul(weight).Round(2), nil
}
