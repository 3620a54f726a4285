package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/repository"
)

// tokenRefreshSkew refreshes tokens slightly before their stated expiry so
// a request never leaves with a token about to lapse mid-flight.
const tokenRefreshSkew = 2 * time.Minute

// accessTokenFor returns a usable access token for the account, refreshing
// and persisting it first when the stored one is expired. Rotated refresh
// tokens are stored as well.
func accessTokenFor(ctx context.Context, accountRepo *repository.AccountRepository, provider MailProvider, account *models.MailAccount) (string, error) {
	if account.AccessToken == nil || account.RefreshToken == nil {
		return "", fmt.Errorf("account %s missing tokens", account.ID)
	}

	if !isTokenExpired(account.AccessTokenExpiresAt) {
		return *account.AccessToken, nil
	}

	log.Printf("Access token expired for account %s, refreshing...", account.ID)
	refreshed, err := provider.RefreshAccessToken(ctx, *account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := accountRepo.UpdateTokens(ctx, account.ID, refreshed.AccessToken, refreshed.RefreshToken, refreshed.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	account.AccessToken = &refreshed.AccessToken
	account.RefreshToken = &refreshed.RefreshToken
	account.AccessTokenExpiresAt = &refreshed.ExpiresAt

	return refreshed.AccessToken, nil
}

func isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return time.Now().Add(tokenRefreshSkew).After(*expiresAt)
}
