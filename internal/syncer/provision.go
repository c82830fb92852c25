package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"broker-sync-go/internal/config"
	"broker-sync-go/internal/metaapi"
	"broker-sync-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrConnectTimeout means the provisioned account never reached a connected
// state within the deploy window. Usually bad credentials.
var ErrConnectTimeout = errors.New("account failed to connect, check credentials")

// Credentials are the broker terminal credentials supplied by the user.
type Credentials struct {
	Login    string
	Password string
	Server   string
	Platform string
}

// ProvisionOutcome reports a successful provisioning run.
type ProvisionOutcome struct {
	MetaAPIAccountID string
	Balance          *float64
}

// Provisioner drives the provision → deploy → await-connect flow and keeps
// the account record in step with each stage.
type Provisioner struct {
	db     *gorm.DB
	client metaapi.ClientInterface
	cfg    config.Sync
	logger *zap.Logger
}

// NewProvisioner creates a provisioner.
func NewProvisioner(db *gorm.DB, client metaapi.ClientInterface, cfg config.Sync, logger *zap.Logger) *Provisioner {
	return &Provisioner{db: db, client: client, cfg: cfg, logger: logger}
}

// Provision registers the credentials with the external platform, deploys
// the account, and waits for the terminal to connect. Credential rejections
// and connect timeouts both leave the account in error state with the reason
// recorded; only a connected terminal yields connected status.
func (p *Provisioner) Provision(ctx context.Context, account *models.BrokerAccount, creds Credentials) (ProvisionOutcome, error) {
	name := fmt.Sprintf("journal_%s_%s", account.BrokerName, creds.Login)

	metaID, err := p.client.Provision(ctx, metaapi.ProvisionRequest{
		Name:     name,
		Login:    creds.Login,
		Password: creds.Password,
		Server:   creds.Server,
		Platform: creds.Platform,
	})
	if err != nil {
		p.markError(account, err.Error())
		return ProvisionOutcome{}, err
	}

	// The platform account exists now; remember it even if the rest of the
	// flow fails, so a retry can skip re-provisioning.
	account.MetaAPIAccountID = &metaID
	account.ConnectionStatus = models.StatusSyncing
	if err := p.db.Model(account).Select("meta_api_account_id", "connection_status").Updates(account).Error; err != nil {
		return ProvisionOutcome{}, fmt.Errorf("failed to store provisioned id: %w", err)
	}

	if err := p.client.Deploy(ctx, metaID); err != nil {
		p.markError(account, err.Error())
		return ProvisionOutcome{}, err
	}

	timeout := time.Duration(p.cfg.ConnectTimeout) * time.Second
	interval := time.Duration(p.cfg.ConnectInterval) * time.Second
	connected, err := p.client.AwaitConnected(ctx, metaID, timeout, interval)
	if err != nil {
		p.markError(account, err.Error())
		return ProvisionOutcome{}, err
	}
	if !connected {
		p.markError(account, fmt.Sprintf("terminal failed to connect within %s", timeout))
		return ProvisionOutcome{}, ErrConnectTimeout
	}

	outcome := ProvisionOutcome{MetaAPIAccountID: metaID}

	info, err := p.client.GetAccountInfo(ctx, metaID)
	if err != nil {
		p.logger.Warn("Account info fetch failed after connect", zap.String("account_id", account.ID), zap.Error(err))
	} else if info != nil {
		outcome.Balance = &info.Balance
	}

	account.ConnectionStatus = models.StatusConnected
	account.Balance = outcome.Balance
	account.LastSyncError = nil
	if err := p.db.Model(account).Select("connection_status", "balance", "last_sync_error").Updates(account).Error; err != nil {
		return ProvisionOutcome{}, fmt.Errorf("failed to mark account connected: %w", err)
	}

	p.logger.Info("Account provisioned and connected",
		zap.String("account_id", account.ID),
		zap.String("platform_account_id", metaID))

	return outcome, nil
}

func (p *Provisioner) markError(account *models.BrokerAccount, msg string) {
	account.ConnectionStatus = models.StatusError
	account.LastSyncError = &msg
	if err := p.db.Model(account).Select("connection_status", "last_sync_error").Updates(account).Error; err != nil {
		p.logger.Error("Failed to record provisioning error", zap.String("account_id", account.ID), zap.Error(err))
	}
}
