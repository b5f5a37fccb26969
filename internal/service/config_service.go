package service

import (
	"context"
	"errors"
	"strings"

	"github.com/marketpulse/internal/models"
	"github.com/marketpulse/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrSelfCopy          = errors.New("source and destination accounts must differ")
	ErrCopyCycle         = errors.New("configuration would create a copy cycle")
	ErrInvalidMultiplier = errors.New("multiplier must be greater than zero")
	ErrInvalidRRRange    = errors.New("min_rr must not exceed max_rr")
)

// CreateCopyConfigRequest represents a copy configuration creation request
type CreateCopyConfigRequest struct {
	SourceAccountID      string          `json:"source_account_id" binding:"required"`
	DestinationAccountID string          `json:"destination_account_id" binding:"required"`
	Multiplier           decimal.Decimal `json:"multiplier"`
	Enabled              *bool           `json:"enabled"`
	SymbolAllowList      []string        `json:"symbol_allow_list"`
	SymbolDenyList       []string        `json:"symbol_deny_list"`
	MinRR                *float64        `json:"min_rr"`
	MaxRR                *float64        `json:"max_rr"`
}

// UpdateCopyConfigRequest changes the set fields of a configuration
type UpdateCopyConfigRequest struct {
	Multiplier      *decimal.Decimal `json:"multiplier"`
	Enabled         *bool            `json:"enabled"`
	SymbolAllowList *[]string        `json:"symbol_allow_list"`
	SymbolDenyList  *[]string        `json:"symbol_deny_list"`
	MinRR           *float64         `json:"min_rr"`
	MaxRR           *float64         `json:"max_rr"`
	ClearRR         bool             `json:"clear_rr"`
}

// ConfigService manages copy configurations. The execution pipeline only
// reads what this service writes.
type ConfigService struct {
	configRepo  *repository.CopyConfigRepository
	accountRepo *repository.AccountRepository
	logger      *zap.Logger
}

// NewConfigService creates a new ConfigService
func NewConfigService(configRepo *repository.CopyConfigRepository, accountRepo *repository.AccountRepository, logger *zap.Logger) *ConfigService {
	return &ConfigService{
		configRepo:  configRepo,
		accountRepo: accountRepo,
		logger:      logger.Named("copy_config"),
	}
}

// Create validates and stores a new configuration
func (s *ConfigService) Create(ctx context.Context, userID string, req *CreateCopyConfigRequest) (*models.CopyConfiguration, error) {
	cfg := &models.CopyConfiguration{
		UserID:               userID,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Multiplier:           req.Multiplier,
		Enabled:              true,
		SymbolAllowList:      normalizeSymbols(req.SymbolAllowList),
		SymbolDenyList:       normalizeSymbols(req.SymbolDenyList),
		MinRR:                req.MinRR,
		MaxRR:                req.MaxRR,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}

	if err := s.validate(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.configRepo.Create(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("copy configuration created",
		zap.String("config_id", cfg.ID),
		zap.String("source_account_id", cfg.SourceAccountID),
		zap.String("destination_account_id", cfg.DestinationAccountID))
	return cfg, nil
}

// Update applies the set fields of req and revalidates
func (s *ConfigService) Update(ctx context.Context, userID, id string, req *UpdateCopyConfigRequest) (*models.CopyConfiguration, error) {
	cfg, err := s.configRepo.GetByIDAndUserID(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if req.Multiplier != nil {
		cfg.Multiplier = *req.Multiplier
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.SymbolAllowList != nil {
		cfg.SymbolAllowList = normalizeSymbols(*req.SymbolAllowList)
	}
	if req.SymbolDenyList != nil {
		cfg.SymbolDenyList = normalizeSymbols(*req.SymbolDenyList)
	}
	if req.ClearRR {
		cfg.MinRR, cfg.MaxRR = nil, nil
	}
	if req.MinRR != nil {
		cfg.MinRR = req.MinRR
	}
	if req.MaxRR != nil {
		cfg.MaxRR = req.MaxRR
	}

	if err := s.validate(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.configRepo.Update(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns one of the user's configurations
func (s *ConfigService) Get(ctx context.Context, userID, id string) (*models.CopyConfiguration, error) {
	return s.configRepo.GetByIDAndUserID(ctx, id, userID)
}

// List returns all of the user's configurations
func (s *ConfigService) List(ctx context.Context, userID string) ([]models.CopyConfiguration, error) {
	return s.configRepo.GetByUserID(ctx, userID)
}

// Delete removes one of the user's configurations
func (s *ConfigService) Delete(ctx context.Context, userID, id string) error {
	return s.configRepo.Delete(ctx, id, userID)
}

func (s *ConfigService) validate(ctx context.Context, cfg *models.CopyConfiguration) error {
	if !cfg.Multiplier.IsPositive() {
		return ErrInvalidMultiplier
	}
	if cfg.SourceAccountID == cfg.DestinationAccountID {
		return ErrSelfCopy
	}
	if cfg.MinRR != nil && cfg.MaxRR != nil && *cfg.MinRR > *cfg.MaxRR {
		return ErrInvalidRRRange
	}
	for _, id := range []string{cfg.SourceAccountID, cfg.DestinationAccountID} {
		if _, err := s.accountRepo.GetByIDAndUserID(ctx, id, cfg.UserID); err != nil {
			return err
		}
	}
	if !cfg.Enabled {
		return nil
	}

	existing, err := s.configRepo.GetEnabledByUserID(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	if createsCycle(existing, cfg) {
		return ErrCopyCycle
	}
	return nil
}

// createsCycle reports whether adding edge to the enabled graph lets the
// destination reach back to the source
func createsCycle(existing []models.CopyConfiguration, edge *models.CopyConfiguration) bool {
	next := make(map[string][]string, len(existing))
	for _, cfg := range existing {
		if cfg.ID == edge.ID {
			continue
		}
		next[cfg.SourceAccountID] = append(next[cfg.SourceAccountID], cfg.DestinationAccountID)
	}

	visited := map[string]bool{}
	stack := []string{edge.DestinationAccountID}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == edge.SourceAccountID {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		stack = append(stack, next[node]...)
	}
	return false
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
