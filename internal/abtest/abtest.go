// Package abtest runs weighted split tests over site content variants.
package abtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

const (
	StatusDraft     = "draft"
	StatusRunning   = "running"
	StatusCompleted = "completed"

	// MinExposures is the per-variant sample size below which a result is never significant.
	MinExposures = 100
	Alpha        = 0.05
)

var (
	ErrNotFound      = store.ErrNotFound
	ErrInvalidTest   = errors.New("invalid ab test")
	ErrTestState     = errors.New("ab test cannot change in its current status")
	ErrNotRunning    = errors.New("ab test is not running")
	ErrVisitorNeeded = errors.New("visitor id is required")
)

type Store interface {
	InsertABTest(ctx context.Context, item store.ABTest) error
	GetABTest(ctx context.Context, testID string) (store.ABTest, error)
	ListABTests(ctx context.Context, siteID string) ([]store.ABTest, error)
	TransitionABTest(ctx context.Context, testID, from, to, winnerVariantID string) (bool, error)
	DeleteABTest(ctx context.Context, testID string) error
	RecordExposure(ctx context.Context, testID, variantID, visitorID string) (bool, error)
	RecordConversion(ctx context.Context, testID, variantID, visitorID string) (bool, error)
	ABVariantStats(ctx context.Context, testID string) ([]store.ABVariantStats, error)
}

type Service struct {
	store Store
}

func NewService(tests Store) *Service {
	return &Service{store: tests}
}

type VariantInput struct {
	Name    string          `json:"name"`
	Weight  int             `json:"weight"`
	Content json.RawMessage `json:"content"`
}

type Input struct {
	SiteID    string         `json:"siteId"`
	Name      string         `json:"name"`
	Goal      string         `json:"goal"`
	Variants  []VariantInput `json:"variants"`
	CreatedBy string         `json:"-"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.SiteID) == "" || strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: site and name are required", ErrInvalidTest)
	}
	if len(in.Variants) < 2 {
		return fmt.Errorf("%w: at least two variants are required", ErrInvalidTest)
	}
	seen := make(map[string]bool, len(in.Variants))
	for _, variant := range in.Variants {
		name := strings.TrimSpace(variant.Name)
		if name == "" {
			return fmt.Errorf("%w: variant name is required", ErrInvalidTest)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate variant %q", ErrInvalidTest, name)
		}
		seen[name] = true
		if variant.Weight <= 0 {
			return fmt.Errorf("%w: variant %q needs a positive weight", ErrInvalidTest, name)
		}
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in Input) (store.ABTest, error) {
	if err := in.validate(); err != nil {
		return store.ABTest{}, err
	}
	test := store.ABTest{
		ID:        util.NewID("abt"),
		SiteID:    strings.TrimSpace(in.SiteID),
		Name:      strings.TrimSpace(in.Name),
		Goal:      strings.TrimSpace(in.Goal),
		Status:    StatusDraft,
		CreatedBy: in.CreatedBy,
	}
	for index, variant := range in.Variants {
		content := variant.Content
		if len(content) == 0 {
			content = json.RawMessage(`{}`)
		}
		test.Variants = append(test.Variants, store.ABVariant{
			ID:       util.NewID("abv"),
			TestID:   test.ID,
			Name:     strings.TrimSpace(variant.Name),
			Weight:   variant.Weight,
			Content:  content,
			Position: index,
		})
	}
	if err := s.store.InsertABTest(ctx, test); err != nil {
		return store.ABTest{}, err
	}
	return s.store.GetABTest(ctx, test.ID)
}

func (s *Service) Get(ctx context.Context, testID string) (store.ABTest, error) {
	return s.store.GetABTest(ctx, testID)
}

func (s *Service) List(ctx context.Context, siteID string) ([]store.ABTest, error) {
	return s.store.ListABTests(ctx, siteID)
}

func (s *Service) Delete(ctx context.Context, testID string) error {
	test, err := s.store.GetABTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status == StatusRunning {
		return ErrTestState
	}
	return s.store.DeleteABTest(ctx, testID)
}

func (s *Service) Start(ctx context.Context, testID string) (store.ABTest, error) {
	return s.transition(ctx, testID, StatusDraft, StatusRunning, "")
}

func (s *Service) transition(ctx context.Context, testID, from, to, winner string) (store.ABTest, error) {
	changed, err := s.store.TransitionABTest(ctx, testID, from, to, winner)
	if err != nil {
		return store.ABTest{}, err
	}
	if !changed {
		if _, err := s.store.GetABTest(ctx, testID); err != nil {
			return store.ABTest{}, err
		}
		return store.ABTest{}, ErrTestState
	}
	return s.store.GetABTest(ctx, testID)
}

// Bucket maps a visitor onto a variant index; the same visitor always lands on the same variant.
func Bucket(testID, visitorID string, variants []store.ABVariant) int {
	total := 0
	for _, variant := range variants {
		total += variant.Weight
	}
	if total <= 0 {
		return 0
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(testID + ":" + visitorID))
	point := int(hash.Sum32() % uint32(total))
	for index, variant := range variants {
		if point < variant.Weight {
			return index
		}
		point -= variant.Weight
	}
	return len(variants) - 1
}

type Assignment struct {
	TestID  string          `json:"testId"`
	Variant store.ABVariant `json:"variant"`
	Winner  bool            `json:"winner"`
}

// Assign returns the visitor's variant and records an exposure while the test runs.
// Completed tests serve their winner to everyone.
func (s *Service) Assign(ctx context.Context, testID, visitorID string) (Assignment, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return Assignment{}, ErrVisitorNeeded
	}
	test, err := s.store.GetABTest(ctx, testID)
	if err != nil {
		return Assignment{}, err
	}
	if test.Status == StatusCompleted && test.WinnerVariantID != "" {
		for _, variant := range test.Variants {
			if variant.ID == test.WinnerVariantID {
				return Assignment{TestID: test.ID, Variant: variant, Winner: true}, nil
			}
		}
	}
	if test.Status != StatusRunning || len(test.Variants) == 0 {
		return Assignment{}, ErrNotRunning
	}
	variant := test.Variants[Bucket(test.ID, visitorID, test.Variants)]
	if _, err := s.store.RecordExposure(ctx, test.ID, variant.ID, visitorID); err != nil {
		return Assignment{}, err
	}
	return Assignment{TestID: test.ID, Variant: variant}, nil
}

// Convert credits the visitor's assigned variant. It reports false for a repeat conversion.
func (s *Service) Convert(ctx context.Context, testID, visitorID string) (bool, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return false, ErrVisitorNeeded
	}
	test, err := s.store.GetABTest(ctx, testID)
	if err != nil {
		return false, err
	}
	if test.Status != StatusRunning || len(test.Variants) == 0 {
		return false, ErrNotRunning
	}
	variant := test.Variants[Bucket(test.ID, visitorID, test.Variants)]
	return s.store.RecordConversion(ctx, test.ID, variant.ID, visitorID)
}
