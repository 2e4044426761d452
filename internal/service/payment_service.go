package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/config"
	"github.com/digkill/motiongif/internal/models"
)

const (
	PaymentProviderTelegram = "telegram"
	PaymentProviderYooKassa = "yookassa"
)

var ErrPaymentNotFound = errors.New("payment not found")

// BotSender is the part of the Telegram bot API the payment flow needs.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// PaymentOptions describes the single credit package on sale.
type PaymentOptions struct {
	Provider              string
	Currency              string
	PriceMinorUnits       int
	Credits               int
	TelegramProviderToken string
	YooKassaShopID        string
	YooKassaSecretKey     string
	YooKassaReturnURL     string
	YooKassaAPIURL        string
}

func PaymentOptionsFrom(cfg config.Config) PaymentOptions {
	return PaymentOptions{
		Provider:              cfg.PaymentProvider,
		Currency:              cfg.PaymentCurrency,
		PriceMinorUnits:       cfg.PaymentPriceMinorUnits,
		Credits:               cfg.PaymentCreditsPerPackage,
		TelegramProviderToken: cfg.TelegramPaymentProviderToken,
		YooKassaShopID:        cfg.YooKassaShopID,
		YooKassaSecretKey:     cfg.YooKassaSecretKey,
		YooKassaReturnURL:     cfg.YooKassaReturnURL,
		YooKassaAPIURL:        cfg.YooKassaAPIURL,
	}
}

type PaymentService struct {
	opts     PaymentOptions
	payments PaymentStore
	ledger   *LedgerService
	client   *http.Client
	log      zerolog.Logger
}

func NewPaymentService(opts PaymentOptions, payments PaymentStore, ledger *LedgerService, log zerolog.Logger) *PaymentService {
	if opts.YooKassaAPIURL == "" {
		opts.YooKassaAPIURL = "https://api.yookassa.ru/v3"
	}
	return &PaymentService{
		opts:     opts,
		payments: payments,
		ledger:   ledger,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "payments").Logger(),
	}
}

// Package describes what one purchase buys.
func (s *PaymentService) Package() (credits, priceMinorUnits int, currency string) {
	return s.opts.Credits, s.opts.PriceMinorUnits, s.opts.Currency
}

// SendInvoice sends payment link/invoice depending on configured provider.
func (s *PaymentService) SendInvoice(ctx context.Context, bot BotSender, account *models.Account, chatID int64) error {
	switch strings.ToLower(s.opts.Provider) {
	case PaymentProviderTelegram, "":
		return s.sendTelegramInvoice(bot, account, chatID)
	case PaymentProviderYooKassa:
		return s.sendYooKassaPayment(ctx, bot, account, chatID)
	default:
		return fmt.Errorf("unsupported payment provider: %s", s.opts.Provider)
	}
}

type invoicePayload struct {
	AccountID int64 `json:"account_id"`
	Credits   int   `json:"credits"`
}

func (s *PaymentService) sendTelegramInvoice(bot BotSender, account *models.Account, chatID int64) error {
	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("%d кредитов", s.opts.Credits),
			Amount: s.opts.PriceMinorUnits,
		},
	}

	payload, err := json.Marshal(invoicePayload{AccountID: account.ID, Credits: s.opts.Credits})
	if err != nil {
		return fmt.Errorf("marshal invoice payload: %w", err)
	}

	invoice := tgbotapi.NewInvoice(chatID,
		"Пакет кредитов",
		fmt.Sprintf("%d кредитов на генерацию GIF", s.opts.Credits),
		string(payload),
		s.opts.TelegramProviderToken,
		"topup",
		s.opts.Currency,
		prices,
	)

	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *PaymentService) sendYooKassaPayment(ctx context.Context, bot BotSender, account *models.Account, chatID int64) error {
	payment, err := s.createYooKassaPayment(ctx, account)
	if err != nil {
		return err
	}

	record := &models.Payment{
		AccountID:      account.ID,
		Provider:       PaymentProviderYooKassa,
		ProviderCharge: payment.ID,
		Currency:       s.opts.Currency,
		Amount:         s.opts.PriceMinorUnits,
		Credits:        s.opts.Credits,
		Status:         payment.Status,
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	text := fmt.Sprintf("Оплата через ЮKassa:\nПакет: %d кредитов\nСумма: %.2f %s\nСсылка на оплату: %s\nПосле оплаты кредиты будут добавлены автоматически.",
		s.opts.Credits, float64(s.opts.PriceMinorUnits)/100, s.opts.Currency, payment.Confirmation.URL)

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

// HandlePreCheckout confirms invoices that carry the current package.
func (s *PaymentService) HandlePreCheckout(bot BotSender, query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	var payload invoicePayload
	if err := json.Unmarshal([]byte(query.InvoicePayload), &payload); err != nil || payload.Credits <= 0 {
		response.OK = false
		response.ErrorMessage = "Счёт устарел, запросите новый через /buy"
	}
	if _, err := bot.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment credits the account for a Telegram payment. It
// reports false for a redelivered charge.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, account *models.Account, payment *tgbotapi.SuccessfulPayment) (bool, error) {
	var payload invoicePayload
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		return false, fmt.Errorf("parse payment payload: %w", err)
	}
	if payload.Credits <= 0 {
		payload.Credits = s.opts.Credits
	}

	chargeID := payment.ProviderPaymentChargeID
	if chargeID == "" {
		chargeID = payment.TelegramPaymentChargeID
	}

	return s.ledger.Purchase(ctx, Purchase{
		AccountID: account.ID,
		Provider:  PaymentProviderTelegram,
		ChargeID:  chargeID,
		Currency:  payment.Currency,
		Amount:    payment.TotalAmount,
		Credits:   payload.Credits,
		Payload:   string(jsonMustMarshal(payment)),
	})
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, account *models.Account) (*yooPaymentResponse, error) {
	if s.opts.YooKassaShopID == "" || s.opts.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	returnURL := s.opts.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%.2f", float64(s.opts.PriceMinorUnits)/100),
			"currency": s.opts.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"description": fmt.Sprintf("%d credits", s.opts.Credits),
		"metadata": map[string]string{
			"account_id": fmt.Sprint(account.ID),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal yookassa payment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.YooKassaAPIURL+"/payments", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	parsed, err := s.doYooKassa(req)
	if err != nil {
		return nil, err
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return parsed, nil
}

func (s *PaymentService) fetchYooKassaPayment(ctx context.Context, id string) (*yooPaymentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.YooKassaAPIURL+"/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	return s.doYooKassa(req)
}

func (s *PaymentService) doYooKassa(req *http.Request) (*yooPaymentResponse, error) {
	req.SetBasicAuth(s.opts.YooKassaShopID, s.opts.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read yookassa response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yookassa error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed yooPaymentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	return &parsed, nil
}

// HandleYooKassaWebhook settles a payment after confirming its status with
// the YooKassa API, so a forged notification cannot credit an account.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, PaymentProviderYooKassa, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("%w: yookassa %s", ErrPaymentNotFound, evt.Object.ID)
	}
	if pmt.Status == "paid" {
		return nil
	}

	remote, err := s.fetchYooKassaPayment(ctx, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("verify payment: %w", err)
	}
	raw := string(jsonMustMarshal(remote))

	switch remote.Status {
	case "succeeded":
		credited, err := s.payments.MarkPaidAndCredit(ctx, PaymentProviderYooKassa, remote.ID, raw)
		if err != nil {
			return fmt.Errorf("settle payment: %w", err)
		}
		if credited {
			s.log.Info().Int64("account_id", pmt.AccountID).Int("credits", pmt.Credits).Str("charge_id", remote.ID).Msg("credits purchased")
		}
		return nil
	case "canceled":
		if err := s.payments.UpdateStatus(ctx, pmt.ID, remote.Status, raw); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		return nil
	default:
		s.log.Debug().Str("charge_id", remote.ID).Str("status", remote.Status).Msg("payment not settled yet")
		return nil
	}
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
