package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/service"
)

const (
	modeCallbackPrefix = "mode:"
	maxPhotoBytes      = 20 << 20
)

var errReferenceNotImage = errors.New("reference not image")

// ErrUpdatesClosed is returned by Run when the update stream ends on its own.
var ErrUpdatesClosed = errors.New("telegram updates channel closed")

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type ImageStorage interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type Accounts interface {
	Ensure(ctx context.Context, telegramID int64, username string) (*models.Account, bool, error)
	Get(ctx context.Context, id int64) (*models.Account, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.GenerationJob, error)
}

type Payments interface {
	SendInvoice(ctx context.Context, bot service.BotSender, account *models.Account, chatID int64) error
	HandlePreCheckout(bot service.BotSender, query *tgbotapi.PreCheckoutQuery) error
	HandleSuccessfulPayment(ctx context.Context, account *models.Account, payment *tgbotapi.SuccessfulPayment) (bool, error)
}

type Options struct {
	// Providers limits the offered modes to configured backends.
	Providers []string
	// Enhance is the default prompt enhancement preference of new chats.
	Enhance bool
}

type Bot struct {
	api        API
	log        zerolog.Logger
	accounts   Accounts
	dispatcher Dispatcher
	payments   Payments
	catalog    *catalog.Catalog
	storage    ImageStorage
	state      *StateManager
	opts       Options
	httpClient *http.Client
}

func NewBot(api API, accounts Accounts, dispatcher Dispatcher, payments Payments, cat *catalog.Catalog, storage ImageStorage, opts Options, log zerolog.Logger) *Bot {
	return &Bot{
		api:        api,
		log:        log.With().Str("component", "telegram").Logger(),
		accounts:   accounts,
		dispatcher: dispatcher,
		payments:   payments,
		catalog:    cat,
		storage:    storage,
		state:      NewStateManager(opts.Enhance),
		opts:       opts,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info().Msg("telegram bot started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return ErrUpdatesClosed
			}
			b.handleUpdate(ctx, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.PreCheckoutQuery != nil:
		if err := b.payments.HandlePreCheckout(b.api, update.PreCheckoutQuery); err != nil {
			b.log.Error().Err(err).Msg("pre-checkout failed")
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handlePhoto(ctx, msg); err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			} else {
				b.log.Error().Err(err).Msg("photo upload failed")
				b.sendText(msg.Chat.ID, "Не удалось сохранить фото, попробуйте снова.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch session.State {
	case StateAwaitingPrompt:
		b.handlePrompt(ctx, msg, session)
	case StateAwaitingMode:
		b.sendText(msg.Chat.ID, "Сначала выберите режим на клавиатуре выше.")
	default:
		b.sendText(msg.Chat.ID, "Пришлите фото, которое нужно оживить.")
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	account, _, err := b.ensureAccount(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("ensure account payment")
		return
	}
	credited, err := b.payments.HandleSuccessfulPayment(ctx, account, msg.SuccessfulPayment)
	if err != nil {
		b.log.Error().Err(err).Msg("process successful payment")
		b.sendText(msg.Chat.ID, "Платёж получен, но кредиты не зачислены. Мы разберёмся и начислим их вручную.")
		return
	}
	if credited {
		b.sendText(msg.Chat.ID, "Оплата успешно получена! Кредиты зачислены.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		account, created, err := b.ensureAccount(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error().Err(err).Msg("ensure account")
			return
		}
		greeting := "С возвращением!"
		if created {
			greeting = fmt.Sprintf("Привет! На балансе %d стартовых кредитов.", account.Credits)
		}
		b.sendText(msg.Chat.ID, greeting+"\n\nПришлите фото, выберите режим и опишите движение, а я верну GIF.\n\nКоманды:\n/modes — режимы и цены\n/balance — баланс\n/buy — купить кредиты\n/enhance — вкл/выкл улучшение промпта\n/cancel — сбросить текущий запрос")
	case "modes":
		b.sendText(msg.Chat.ID, b.modesText())
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		account, _, err := b.ensureAccount(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error().Err(err).Msg("ensure account buy")
			return
		}
		if err := b.payments.SendInvoice(ctx, b.api, account, msg.Chat.ID); err != nil {
			b.log.Error().Err(err).Msg("send invoice")
			b.sendText(msg.Chat.ID, "Не удалось отправить счет. Попробуйте позже.")
		}
	case "enhance":
		session := b.state.Get(msg.Chat.ID)
		session.Enhance = !session.Enhance
		b.state.Set(msg.Chat.ID, session)
		if session.Enhance {
			b.sendText(msg.Chat.ID, "Улучшение промпта включено.")
		} else {
			b.sendText(msg.Chat.ID, "Улучшение промпта выключено.")
		}
	case "cancel":
		b.state.Reset(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Запрос сброшен. Пришлите новое фото.")
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Пришлите фото или используйте /start.")
	}
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	account, _, err := b.ensureAccount(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("ensure account balance")
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Баланс: %d кредитов.", account.Credits))
}

func (b *Bot) modes() []catalog.Entry {
	return b.catalog.Available(b.opts.Providers...)
}

func (b *Bot) modesText() string {
	lines := lo.Map(b.modes(), func(e catalog.Entry, _ int) string {
		return fmt.Sprintf("• %s — %d кр.", e.Title, e.Cost)
	})
	return "Режимы генерации:\n" + strings.Join(lines, "\n")
}

func (b *Bot) modeKeyboard() tgbotapi.InlineKeyboardMarkup {
	buttons := lo.Map(b.modes(), func(e catalog.Entry, _ int) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%s · %d кр.", e.Title, e.Cost), modeCallbackPrefix+string(e.Mode))
	})
	rows := lo.Map(lo.Chunk(buttons, 2), func(row []tgbotapi.InlineKeyboardButton, _ int) []tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardRow(row...)
	})
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) handleCallback(_ context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	mode, ok := strings.CutPrefix(cb.Data, modeCallbackPrefix)
	if !ok {
		b.answerCallback(cb.ID, "Неизвестный выбор")
		return
	}
	entry, err := b.catalog.Lookup(models.GenerationMode(mode))
	if err != nil || !lo.Contains(b.opts.Providers, entry.Provider) {
		b.answerCallback(cb.ID, "Режим недоступен")
		return
	}
	session := b.state.Get(chatID)
	if session.ImageURL == "" {
		b.answerCallback(cb.ID, "Сначала пришлите фото")
		return
	}
	session.Mode = entry.Mode
	session.State = StateAwaitingPrompt
	b.state.Set(chatID, session)

	b.answerCallback(cb.ID, "Режим выбран")
	b.sendText(chatID, fmt.Sprintf("%s, %d кр. Опишите, что должно происходить на видео.", entry.Title, entry.Cost))
}

func (b *Bot) handlePrompt(ctx context.Context, msg *tgbotapi.Message, session Session) {
	if strings.TrimSpace(msg.Text) == "" {
		b.sendText(msg.Chat.ID, "Промпт не может быть пустым.")
		return
	}
	account, _, err := b.ensureAccount(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error().Err(err).Msg("ensure account prompt")
		return
	}

	job, err := b.dispatcher.Submit(ctx, service.SubmitRequest{
		AccountID: account.ID,
		ChatID:    msg.Chat.ID,
		ImageURL:  session.ImageURL,
		Prompt:    msg.Text,
		Mode:      session.Mode,
		Enhance:   session.Enhance,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientCredits):
			b.sendText(msg.Chat.ID, "Недостаточно кредитов. Используйте /buy для покупки.")
		case errors.Is(err, service.ErrInvalidRequest):
			b.sendText(msg.Chat.ID, "Запрос некорректен: промпт слишком длинный или пустой.")
		case errors.Is(err, service.ErrProviderSubmission), errors.Is(err, service.ErrProviderUnavailable):
			b.log.Warn().Err(err).Msg("dispatch failed")
			b.sendText(msg.Chat.ID, "Сервис генерации не принял запрос. Кредиты возвращены, попробуйте позже.")
		default:
			b.log.Error().Err(err).Msg("dispatch")
			b.sendText(msg.Chat.ID, "Не удалось запустить генерацию, попробуйте позже.")
		}
		return
	}

	b.state.Reset(msg.Chat.ID)
	b.log.Info().Str("job_id", job.ID).Int64("chat_id", msg.Chat.ID).Msg("generation requested from telegram")
	b.sendText(msg.Chat.ID, fmt.Sprintf("Генерация началась (списано %d кр.). Обычно это занимает пару минут, я пришлю GIF.", job.Cost))
}

// JobFinished delivers the result of a job dispatched from a chat.
func (b *Bot) JobFinished(_ context.Context, job *models.GenerationJob) {
	if job.ChatID == 0 {
		return
	}
	switch job.Status {
	case models.JobStatusCompleted:
		anim := tgbotapi.NewAnimation(job.ChatID, tgbotapi.FileURL(job.GIFURL))
		anim.Caption = "Готово!"
		if _, err := b.api.Send(anim); err != nil {
			b.log.Error().Err(err).Str("job_id", job.ID).Msg("send animation")
			b.sendText(job.ChatID, "GIF готов: "+job.GIFURL)
		}
	case models.JobStatusFailed:
		b.sendText(job.ChatID, fmt.Sprintf("Не удалось сгенерировать GIF. %d кр. возвращены на баланс.", job.Cost))
	}
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) error {
	var fileID string
	contentType := "image/jpeg"

	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errReferenceNotImage
		}
		fileID = msg.Document.FileID
		if msg.Document.MimeType != "" {
			contentType = msg.Document.MimeType
		}
	default:
		return nil
	}

	data, detectedType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if detectedType != "" {
		contentType = detectedType
	}

	url, err := b.storage.Upload(ctx, data, contentType)
	if err != nil {
		return err
	}

	session := b.state.Get(msg.Chat.ID)
	session.ImageURL = url
	session.Mode = ""
	session.State = StateAwaitingMode
	b.state.Set(msg.Chat.ID, session)

	reply := tgbotapi.NewMessage(msg.Chat.ID, "Фото сохранено. Выберите режим анимации:")
	reply.ReplyMarkup = b.modeKeyboard()
	if _, err := b.api.Send(reply); err != nil {
		b.log.Error().Err(err).Msg("send keyboard")
	}
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) ensureAccount(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.Account, bool, error) {
	telegramID := chatID
	username := ""
	if from != nil {
		telegramID = from.ID
		username = from.UserName
	}
	return b.accounts.Ensure(ctx, telegramID, username)
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.log.Error().Err(err).Msg("callback ack")
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Msg("send text")
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
