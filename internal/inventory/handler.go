package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/epa-ams/stockledger/internal/observability"
	"github.com/epa-ams/stockledger/internal/platform/httpx"
	"github.com/epa-ams/stockledger/internal/shared"
)

// Handler wires the JSON HTTP endpoints for the inventory engine.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	metrics  *observability.Metrics
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
	}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceive)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/consumptions", h.handleConsume)
	r.Post("/adjustments", h.handleAdjust)
	r.Post("/disposals", h.handleDispose)
	r.Post("/returns", h.handleReturn)
	r.Post("/opening-balances", h.handleOpeningBalance)

	r.Get("/balance", h.handleGetBalance)
	r.Get("/balances", h.handleListBalances)
	r.Get("/ledger", h.handleQueryLedger)
	r.Get("/rollup", h.handleRollup)
	r.Get("/expiry", h.handleExpiry)
	r.Get("/lots/{lotID}/containers", h.handleListContainers)
}

type holderDTO struct {
	Type string `json:"holderType" validate:"required,oneof=OFFICE STORE EMPLOYEE SUB_LOCATION"`
	ID   int64  `json:"holderId" validate:"required,gt=0"`
}

func (d holderDTO) holder() Holder {
	return Holder{Type: HolderType(d.Type), ID: d.ID}
}

type lotDTO struct {
	LotNumber    string     `json:"lotNumber" validate:"required"`
	SupplierID   int64      `json:"supplierId"`
	ReceivedDate time.Time  `json:"receivedDate"`
	ExpiryDate   *time.Time `json:"expiryDate"`
	DocumentRef  string     `json:"documentRef"`
}

func (d *lotDTO) input() *LotInput {
	if d == nil {
		return nil
	}
	return &LotInput{
		LotNumber:    d.LotNumber,
		SupplierID:   d.SupplierID,
		ReceivedDate: d.ReceivedDate,
		ExpiryDate:   d.ExpiryDate,
		DocumentRef:  d.DocumentRef,
	}
}

type containerDTO struct {
	Code string          `json:"code" validate:"required"`
	Qty  decimal.Decimal `json:"qty" validate:"required"`
}

type receiveRequest struct {
	To             holderDTO       `json:"to" validate:"required"`
	ItemID         int64           `json:"itemId" validate:"required,gt=0"`
	LotID          int64           `json:"lotId"`
	Lot            *lotDTO         `json:"lot"`
	Containers     []containerDTO  `json:"containers" validate:"dive"`
	Qty            decimal.Decimal `json:"qty" validate:"required"`
	UOM            string          `json:"uom" validate:"required"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
	TxTime         time.Time       `json:"txTime"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type transferRequest struct {
	From           holderDTO       `json:"from" validate:"required"`
	To             holderDTO       `json:"to" validate:"required"`
	ItemID         int64           `json:"itemId" validate:"required,gt=0"`
	LotID          int64           `json:"lotId"`
	ContainerID    int64           `json:"containerId"`
	Qty            decimal.Decimal `json:"qty" validate:"required"`
	UOM            string          `json:"uom" validate:"required"`
	AllowNegative  bool            `json:"allowNegative"`
	OverrideNote   string          `json:"overrideNote"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
	TxTime         time.Time       `json:"txTime"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type consumeRequest struct {
	From           holderDTO       `json:"from" validate:"required"`
	ItemID         int64           `json:"itemId" validate:"required,gt=0"`
	LotID          int64           `json:"lotId"`
	ContainerID    int64           `json:"containerId"`
	Qty            decimal.Decimal `json:"qty" validate:"required"`
	UOM            string          `json:"uom" validate:"required"`
	AllowNegative  bool            `json:"allowNegative"`
	OverrideNote   string          `json:"overrideNote"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
	TxTime         time.Time       `json:"txTime"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type adjustRequest struct {
	Holder         holderDTO       `json:"holder" validate:"required"`
	Direction      string          `json:"direction" validate:"required,oneof=INCREASE DECREASE"`
	ItemID         int64           `json:"itemId" validate:"required,gt=0"`
	LotID          int64           `json:"lotId"`
	ContainerID    int64           `json:"containerId"`
	Qty            decimal.Decimal `json:"qty" validate:"required"`
	UOM            string          `json:"uom" validate:"required"`
	ReasonCodeID   int64           `json:"reasonCodeId"`
	AllowNegative  bool            `json:"allowNegative"`
	OverrideNote   string          `json:"overrideNote"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
	TxTime         time.Time       `json:"txTime"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type disposeRequest struct {
	From           holderDTO       `json:"from" validate:"required"`
	ItemID         int64           `json:"itemId" validate:"required,gt=0"`
	LotID          int64           `json:"lotId"`
	ContainerID    int64           `json:"containerId"`
	Qty            decimal.Decimal `json:"qty" validate:"required"`
	UOM            string          `json:"uom" validate:"required"`
	ReasonCodeID   int64           `json:"reasonCodeId"`
	AllowNegative  bool            `json:"allowNegative"`
	OverrideNote   string          `json:"overrideNote"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
	TxTime         time.Time       `json:"txTime"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type returnRequest struct {
	From           holderDTO       `json:"from" validate:"required"`
	To             *holderDTO      `json:"to"`
	ItemID         int64           `json:"itemId" validate:"required,gt=0"`
	LotID          int64           `json:"lotId"`
	ContainerID    int64           `json:"containerId"`
	Qty            decimal.Decimal `json:"qty" validate:"required"`
	UOM            string          `json:"uom" validate:"required"`
	AllowNegative  bool            `json:"allowNegative"`
	OverrideNote   string          `json:"overrideNote"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	Metadata       map[string]any  `json:"metadata"`
	TxTime         time.Time       `json:"txTime"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type openingBalanceLineDTO struct {
	Holder holderDTO       `json:"holder" validate:"required"`
	ItemID int64           `json:"itemId" validate:"required,gt=0"`
	LotID  int64           `json:"lotId"`
	Lot    *lotDTO         `json:"lot"`
	Qty    decimal.Decimal `json:"qty" validate:"required"`
	UOM    string          `json:"uom" validate:"required"`
}

type openingBalanceRequest struct {
	Lines          []openingBalanceLineDTO `json:"lines" validate:"required,min=1,dive"`
	Reference      string                  `json:"reference"`
	Notes          string                  `json:"notes"`
	TxTime         time.Time               `json:"txTime"`
	IdempotencyKey string                  `json:"idempotencyKey"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if !h.bind(w, r, &req) {
		return
	}
	containers := make([]ContainerInput, 0, len(req.Containers))
	for _, c := range req.Containers {
		containers = append(containers, ContainerInput{Code: c.Code, Qty: c.Qty})
	}
	entry, err := h.service.Receive(r.Context(), ReceiveInput{
		To:             req.To.holder(),
		ItemID:         req.ItemID,
		LotID:          req.LotID,
		Lot:            req.Lot.input(),
		Containers:     containers,
		Qty:            req.Qty,
		UOM:            req.UOM,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.respondEntry(w, r, TxTypeReceipt, entry, err)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.bind(w, r, &req) {
		return
	}
	entry, err := h.service.Transfer(r.Context(), TransferInput{
		From:           req.From.holder(),
		To:             req.To.holder(),
		ItemID:         req.ItemID,
		LotID:          req.LotID,
		ContainerID:    req.ContainerID,
		Qty:            req.Qty,
		UOM:            req.UOM,
		AllowNegative:  req.AllowNegative,
		OverrideNote:   req.OverrideNote,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.respondEntry(w, r, TxTypeTransfer, entry, err)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !h.bind(w, r, &req) {
		return
	}
	entry, err := h.service.Consume(r.Context(), ConsumeInput{
		From:           req.From.holder(),
		ItemID:         req.ItemID,
		LotID:          req.LotID,
		ContainerID:    req.ContainerID,
		Qty:            req.Qty,
		UOM:            req.UOM,
		AllowNegative:  req.AllowNegative,
		OverrideNote:   req.OverrideNote,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.respondEntry(w, r, TxTypeConsume, entry, err)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !h.bind(w, r, &req) {
		return
	}
	entry, err := h.service.Adjust(r.Context(), AdjustInput{
		Holder:         req.Holder.holder(),
		Direction:      AdjustDirection(req.Direction),
		ItemID:         req.ItemID,
		LotID:          req.LotID,
		ContainerID:    req.ContainerID,
		Qty:            req.Qty,
		UOM:            req.UOM,
		ReasonCodeID:   req.ReasonCodeID,
		AllowNegative:  req.AllowNegative,
		OverrideNote:   req.OverrideNote,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.respondEntry(w, r, TxTypeAdjust, entry, err)
}

func (h *Handler) handleDispose(w http.ResponseWriter, r *http.Request) {
	var req disposeRequest
	if !h.bind(w, r, &req) {
		return
	}
	entry, err := h.service.Dispose(r.Context(), DisposeInput{
		From:           req.From.holder(),
		ItemID:         req.ItemID,
		LotID:          req.LotID,
		ContainerID:    req.ContainerID,
		Qty:            req.Qty,
		UOM:            req.UOM,
		ReasonCodeID:   req.ReasonCodeID,
		AllowNegative:  req.AllowNegative,
		OverrideNote:   req.OverrideNote,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.respondEntry(w, r, TxTypeDispose, entry, err)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if !h.bind(w, r, &req) {
		return
	}
	var to *Holder
	if req.To != nil {
		holder := req.To.holder()
		to = &holder
	}
	entry, err := h.service.Return(r.Context(), ReturnInput{
		From:           req.From.holder(),
		To:             to,
		ItemID:         req.ItemID,
		LotID:          req.LotID,
		ContainerID:    req.ContainerID,
		Qty:            req.Qty,
		UOM:            req.UOM,
		AllowNegative:  req.AllowNegative,
		OverrideNote:   req.OverrideNote,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	h.respondEntry(w, r, TxTypeReturn, entry, err)
}

func (h *Handler) handleOpeningBalance(w http.ResponseWriter, r *http.Request) {
	var req openingBalanceRequest
	if !h.bind(w, r, &req) {
		return
	}
	lines := make([]OpeningBalanceLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, OpeningBalanceLine{
			Holder: l.Holder.holder(),
			ItemID: l.ItemID,
			LotID:  l.LotID,
			Lot:    l.Lot.input(),
			Qty:    l.Qty,
			UOM:    l.UOM,
		})
	}
	entries, err := h.service.PostOpeningBalance(r.Context(), OpeningBalanceInput{
		Lines:          lines,
		ActorID:        actorID(r),
		Reference:      req.Reference,
		Notes:          req.Notes,
		TxTime:         req.TxTime,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondErr(w, r, TxTypeOpeningBalance, err)
		return
	}
	h.observe(TxTypeOpeningBalance, "ok")
	httpx.JSON(w, http.StatusCreated, map[string]any{"entries": entries})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	key, ok := balanceKeyFromQuery(w, r)
	if !ok {
		return
	}
	bal, err := h.service.GetBalance(r.Context(), key)
	if err != nil {
		h.respondErr(w, r, "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := BalanceFilter{
		HolderType: HolderType(q.Get("holderType")),
		HolderID:   parseID(q.Get("holderId")),
		ItemID:     parseID(q.Get("itemId")),
		LotID:      parseID(q.Get("lotId")),
	}
	balances, err := h.service.ListBalances(r.Context(), filter)
	if err != nil {
		h.respondErr(w, r, "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) handleQueryLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := shared.NewPagination(int(parseID(q.Get("page"))), int(parseID(q.Get("perPage"))), 0)
	filter := LedgerFilter{
		ItemID: parseID(q.Get("itemId")),
		LotID:  parseID(q.Get("lotId")),
		TxType: TxType(q.Get("txType")),
		Limit:  page.PerPage,
		Offset: page.Offset(),
	}
	if ht := q.Get("holderType"); ht != "" {
		filter.Holder = &Holder{Type: HolderType(ht), ID: parseID(q.Get("holderId"))}
	}
	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param+" timestamp")
				return
			}
			*dst = t
		}
	}
	entries, err := h.service.QueryLedger(r.Context(), filter)
	if err != nil {
		h.respondErr(w, r, "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries, "page": page.Page, "perPage": page.PerPage})
}

func (h *Handler) handleRollup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.service.Rollup(r.Context(), parseID(q.Get("itemId")), HolderType(q.Get("holderType")))
	if err != nil {
		h.respondErr(w, r, "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rollup": rows})
}

func (h *Handler) handleExpiry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ExpiryFilter{
		Days:       int(parseID(q.Get("days"))),
		HolderType: HolderType(q.Get("holderType")),
		HolderID:   parseID(q.Get("holderId")),
	}
	lots, err := h.service.ExpiringStock(r.Context(), filter)
	if err != nil {
		h.respondErr(w, r, "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"expiring": lots})
}

func (h *Handler) handleListContainers(w http.ResponseWriter, r *http.Request) {
	lotID, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return
	}
	containers, err := h.service.ListContainers(r.Context(), lotID)
	if err != nil {
		h.respondErr(w, r, "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (h *Handler) bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondEntry(w http.ResponseWriter, r *http.Request, txType TxType, entry LedgerEntry, err error) {
	if err != nil {
		h.respondErr(w, r, txType, err)
		return
	}
	h.observe(txType, "ok")
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, txType TxType, err error) {
	status, title := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("inventory operation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, status, title, "")
	} else {
		h.logger.Info("inventory operation rejected", slog.String("path", r.URL.Path), slog.String("reason", err.Error()))
		httpx.Problem(w, status, title, err.Error())
	}
	if txType != "" {
		h.observe(txType, "rejected")
	}
}

func (h *Handler) observe(txType TxType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordOperation(string(txType), outcome)
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrLotNotFound),
		errors.Is(err, ErrContainerNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrDuplicateOpeningBalance),
		errors.Is(err, ErrContainerNotInStock),
		errors.Is(err, ErrContainerQtyBound),
		errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, ErrKeyQuarantined):
		return http.StatusLocked, "Quarantined"
	case errors.Is(err, ErrLotRequired),
		errors.Is(err, ErrContainerRequired),
		errors.Is(err, ErrContainerQtyMismatch),
		errors.Is(err, ErrIncompatibleUnit),
		errors.Is(err, ErrInvalidHolder),
		errors.Is(err, ErrReasonCodeRequired),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrOverrideNoteRequired),
		errors.Is(err, ErrSameHolder):
		return http.StatusBadRequest, "Validation Failed"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

func actorID(r *http.Request) int64 {
	// The auth gateway in front of this service injects the acting user.
	return parseID(r.Header.Get("X-Actor-ID"))
}

func parseID(s string) int64 {
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func balanceKeyFromQuery(w http.ResponseWriter, r *http.Request) (BalanceKey, bool) {
	q := r.URL.Query()
	key := BalanceKey{
		Holder: Holder{Type: HolderType(q.Get("holderType")), ID: parseID(q.Get("holderId"))},
		ItemID: parseID(q.Get("itemId")),
		LotID:  parseID(q.Get("lotId")),
	}
	if !key.Holder.Valid() || key.ItemID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "holderType, holderId and itemId are required")
		return BalanceKey{}, false
	}
	return key, true
}
