package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/service"
)

const chatID int64 = 555

type fakeAPI struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	requested []tgbotapi.Chattable
	fileURL   string
	updates   chan tgbotapi.Update
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, c)
	return tgbotapi.Message{}, nil
}

func (a *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested = append(a.requested, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (a *fakeAPI) GetFileDirectURL(string) (string, error) { return a.fileURL, nil }

func (a *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	if a.updates != nil {
		return a.updates
	}
	return make(chan tgbotapi.Update)
}

func (a *fakeAPI) StopReceivingUpdates() {}

func (a *fakeAPI) lastText(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.sent)
	msg, ok := a.sent[len(a.sent)-1].(tgbotapi.MessageConfig)
	require.True(t, ok, "last sent is %T", a.sent[len(a.sent)-1])
	return msg.Text
}

type fakeAccounts struct {
	account models.Account
	created bool
}

func (f *fakeAccounts) Ensure(_ context.Context, telegramID int64, username string) (*models.Account, bool, error) {
	acc := f.account
	acc.TelegramID = telegramID
	acc.Username = username
	return &acc, f.created, nil
}

func (f *fakeAccounts) Get(context.Context, int64) (*models.Account, error) {
	acc := f.account
	return &acc, nil
}

type fakeDispatcher struct {
	reqs []service.SubmitRequest
	err  error
}

func (f *fakeDispatcher) Submit(_ context.Context, req service.SubmitRequest) (*models.GenerationJob, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.GenerationJob{ID: "job-1", Cost: 2, Status: models.JobStatusProcessing}, nil
}

type fakePayments struct {
	invoices int
	credited bool
}

func (f *fakePayments) SendInvoice(context.Context, service.BotSender, *models.Account, int64) error {
	f.invoices++
	return nil
}

func (f *fakePayments) HandlePreCheckout(service.BotSender, *tgbotapi.PreCheckoutQuery) error {
	return nil
}

func (f *fakePayments) HandleSuccessfulPayment(context.Context, *models.Account, *tgbotapi.SuccessfulPayment) (bool, error) {
	return f.credited, nil
}

type fakeStorage struct {
	uploads      int
	contentTypes []string
}

func (f *fakeStorage) Upload(_ context.Context, _ []byte, contentType string) (string, error) {
	f.uploads++
	f.contentTypes = append(f.contentTypes, contentType)
	return fmt.Sprintf("https://cdn.example.com/refs/%d.png", f.uploads), nil
}

type botHarness struct {
	bot        *Bot
	api        *fakeAPI
	accounts   *fakeAccounts
	dispatcher *fakeDispatcher
	payments   *fakePayments
	storage    *fakeStorage
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	pngHeader := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngHeader)
	}))
	t.Cleanup(srv.Close)

	h := &botHarness{
		api:        &fakeAPI{fileURL: srv.URL + "/file/photo.png"},
		accounts:   &fakeAccounts{account: models.Account{ID: 7, Credits: 5}},
		dispatcher: &fakeDispatcher{},
		payments:   &fakePayments{},
		storage:    &fakeStorage{},
	}
	h.bot = NewBot(h.api, h.accounts, h.dispatcher, h.payments, catalog.Default(), h.storage,
		Options{Providers: []string{catalog.ProviderKIE}}, zerolog.Nop())
	return h
}

func textMessage(text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{ID: 42, UserName: "alice"},
	}}
}

func command(name string) tgbotapi.Update {
	u := textMessage("/" + name)
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name) + 1}}
	return u
}

func photoMessage() tgbotapi.Update {
	u := textMessage("")
	u.Message.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	return u
}

func modeCallback(mode string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		Data:    modeCallbackPrefix + mode,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func TestBot_PhotoModePromptFlow(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.handleUpdate(ctx, photoMessage())
	require.Equal(t, 1, h.storage.uploads)
	assert.Equal(t, []string{"image/png"}, h.storage.contentTypes)

	keyboard, ok := h.api.sent[len(h.api.sent)-1].(tgbotapi.MessageConfig)
	require.True(t, ok)
	markup, ok := keyboard.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	var buttons int
	for _, row := range markup.InlineKeyboard {
		buttons += len(row)
	}
	assert.Equal(t, 3, buttons, "only kie modes are offered")
	assert.Equal(t, StateAwaitingMode, h.bot.state.Get(chatID).State)

	h.bot.handleUpdate(ctx, modeCallback("kling-standard"))
	session := h.bot.state.Get(chatID)
	assert.Equal(t, StateAwaitingPrompt, session.State)
	assert.Equal(t, models.GenerationMode("kling-standard"), session.Mode)
	require.Len(t, h.api.requested, 1)

	h.bot.handleUpdate(ctx, textMessage("the cat waves"))
	require.Len(t, h.dispatcher.reqs, 1)
	req := h.dispatcher.reqs[0]
	assert.Equal(t, int64(7), req.AccountID)
	assert.Equal(t, chatID, req.ChatID)
	assert.Equal(t, "https://cdn.example.com/refs/1.png", req.ImageURL)
	assert.Equal(t, "the cat waves", req.Prompt)
	assert.Equal(t, models.GenerationMode("kling-standard"), req.Mode)
	assert.Contains(t, h.api.lastText(t), "Генерация началась")
	assert.Equal(t, StateIdle, h.bot.state.Get(chatID).State)
}

func TestBot_CallbackWithoutPhoto(t *testing.T) {
	h := newBotHarness(t)

	h.bot.handleUpdate(context.Background(), modeCallback("kling-standard"))

	assert.Equal(t, StateIdle, h.bot.state.Get(chatID).State)
	require.Len(t, h.api.requested, 1)
	ack := h.api.requested[0].(tgbotapi.CallbackConfig)
	assert.Equal(t, "Сначала пришлите фото", ack.Text)
}

func TestBot_UnknownModeCallback(t *testing.T) {
	h := newBotHarness(t)
	h.bot.handleUpdate(context.Background(), photoMessage())

	h.bot.handleUpdate(context.Background(), modeCallback("nope"))

	assert.Equal(t, StateAwaitingMode, h.bot.state.Get(chatID).State)
}

func TestBot_PromptErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"insufficient", fmt.Errorf("create job: %w", service.ErrInsufficientCredits), "Недостаточно кредитов"},
		{"refunded", fmt.Errorf("%w: timeout", service.ErrProviderSubmission), "Кредиты возвращены"},
		{"invalid", fmt.Errorf("%w: prompt", service.ErrInvalidRequest), "Запрос некорректен"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newBotHarness(t)
			h.dispatcher.err = tt.err
			h.bot.state.Set(chatID, Session{State: StateAwaitingPrompt, ImageURL: "https://cdn.example.com/a.png", Mode: "wan-turbo"})

			h.bot.handleUpdate(context.Background(), textMessage("go"))

			assert.Contains(t, h.api.lastText(t), tt.want)
			assert.Equal(t, StateAwaitingPrompt, h.bot.state.Get(chatID).State, "session is kept for a retry")
		})
	}
}

func TestBot_EnhanceToggle(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.handleUpdate(ctx, command("enhance"))
	assert.True(t, h.bot.state.Get(chatID).Enhance)

	h.bot.handleUpdate(ctx, command("cancel"))
	assert.True(t, h.bot.state.Get(chatID).Enhance, "reset keeps the preference")

	h.bot.state.Set(chatID, Session{State: StateAwaitingPrompt, ImageURL: "https://cdn.example.com/a.png", Mode: "wan-turbo", Enhance: true})
	h.bot.handleUpdate(ctx, textMessage("dance"))
	require.Len(t, h.dispatcher.reqs, 1)
	assert.True(t, h.dispatcher.reqs[0].Enhance)
}

func TestBot_Commands(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.accounts.created = true
	h.bot.handleUpdate(ctx, command("start"))
	assert.Contains(t, h.api.lastText(t), "5 стартовых кредитов")

	h.bot.handleUpdate(ctx, command("balance"))
	assert.Equal(t, "Баланс: 5 кредитов.", h.api.lastText(t))

	h.bot.handleUpdate(ctx, command("modes"))
	text := h.api.lastText(t)
	assert.Contains(t, text, "Kling 2.1 Pro")
	assert.NotContains(t, text, "Seedance")

	h.bot.handleUpdate(ctx, command("buy"))
	assert.Equal(t, 1, h.payments.invoices)
}

func TestBot_SuccessfulPayment(t *testing.T) {
	h := newBotHarness(t)
	h.payments.credited = true
	u := textMessage("")
	u.Message.SuccessfulPayment = &tgbotapi.SuccessfulPayment{InvoicePayload: "{}"}

	h.bot.handleUpdate(context.Background(), u)

	assert.Contains(t, h.api.lastText(t), "Кредиты зачислены")
}

func TestBot_RejectsNonImageDocument(t *testing.T) {
	h := newBotHarness(t)
	u := textMessage("")
	u.Message.Document = &tgbotapi.Document{FileID: "doc", MimeType: "application/pdf"}

	h.bot.handleUpdate(context.Background(), u)

	assert.Zero(t, h.storage.uploads)
	assert.Contains(t, h.api.lastText(t), "Это не изображение")
}

func TestBot_JobFinished(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.JobFinished(ctx, &models.GenerationJob{ID: "j1", ChatID: chatID, Status: models.JobStatusCompleted, GIFURL: "https://cdn.example.com/j1.gif"})
	require.Len(t, h.api.sent, 1)
	anim, ok := h.api.sent[0].(tgbotapi.AnimationConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.FileURL("https://cdn.example.com/j1.gif"), anim.File)

	h.bot.JobFinished(ctx, &models.GenerationJob{ID: "j2", ChatID: chatID, Status: models.JobStatusFailed, Cost: 4})
	assert.Contains(t, h.api.lastText(t), "4 кр. возвращены")

	h.bot.JobFinished(ctx, &models.GenerationJob{ID: "j3", Status: models.JobStatusCompleted, GIFURL: "x"})
	assert.Len(t, h.api.sent, 2, "api jobs have no chat")
}

func TestNormalizeImageContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	tests := []struct {
		header string
		data   []byte
		want   string
		err    bool
	}{
		{"image/jpeg; charset=binary", nil, "image/jpeg", false},
		{"image/jpg", nil, "image/jpeg", false},
		{"", png, "image/png", false},
		{"application/octet-stream", png, "image/png", false},
		{"text/html", []byte("<html></html>"), "", true},
	}
	for _, tt := range tests {
		got, err := normalizeImageContentType(tt.header, tt.data)
		if tt.err {
			assert.ErrorIs(t, err, errReferenceNotImage, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestBot_ModeOfUnconfiguredProvider(t *testing.T) {
	h := newBotHarness(t)
	h.bot.handleUpdate(context.Background(), photoMessage())

	h.bot.handleUpdate(context.Background(), modeCallback("seedance-lite"))

	assert.Equal(t, StateAwaitingMode, h.bot.state.Get(chatID).State)
	ack := h.api.requested[len(h.api.requested)-1].(tgbotapi.CallbackConfig)
	assert.Equal(t, "Режим недоступен", ack.Text)
}

func TestBot_RunStopsWhenUpdatesClose(t *testing.T) {
	h := newBotHarness(t)
	h.api.updates = make(chan tgbotapi.Update, 1)
	h.api.updates <- command("balance")
	close(h.api.updates)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrUpdatesClosed)
	case <-time.After(time.Second):
		t.Fatal("Run kept going after the updates channel closed")
	}
	assert.Equal(t, "Баланс: 5 кредитов.", h.api.lastText(t))
}

func TestBot_RunReturnsOnCancel(t *testing.T) {
	h := newBotHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.bot.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
