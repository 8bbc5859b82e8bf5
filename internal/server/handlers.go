package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
	"cashucloak/internal/lifecycle"
	"cashucloak/internal/remote"
	"cashucloak/internal/stego"
)

type workflowRequest struct {
	Amount int64            `json:"amount"`
	Mint   string           `json:"mint"`
	Image  stego.ImageAsset `json:"image"`
}

type watchRequest struct {
	Invoice string `json:"invoice"`
	Mint    string `json:"mint"`
}

type revealRequest struct {
	Image stego.ImageAsset `json:"image"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

type payRequest struct {
	Invoice string `json:"invoice"`
}

type errorView struct {
	Kind   lifecycle.ErrorKind `json:"kind"`
	Reason string              `json:"reason"`
}

type invoiceView struct {
	AmountSat   int64     `json:"amountSat"`
	PaymentHash string    `json:"paymentHash"`
	Description string    `json:"description,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type mintBalanceView struct {
	Available int64 `json:"available"`
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
}

type balanceView struct {
	Mints          map[string]mintBalanceView `json:"mints"`
	TotalAvailable int64                      `json:"totalAvailable"`
	TakenAt        time.Time                  `json:"takenAt"`
}

type resultView struct {
	State      lifecycle.State `json:"state"`
	Error      *errorView      `json:"error,omitempty"`
	Credential string          `json:"credential,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Invoice    *invoiceView    `json:"invoice,omitempty"`
	Amount     int64           `json:"amount,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Balance    *balanceView    `json:"balance,omitempty"`
	HasImage   bool            `json:"hasImage"`
	ElapsedMs  int64           `json:"elapsedMs"`
}

type sessionView struct {
	ID         string          `json:"sessionId"`
	Operation  string          `json:"operation"`
	State      lifecycle.State `json:"state"`
	Credential string          `json:"credential,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Done       bool            `json:"done"`
	Result     *resultView     `json:"result,omitempty"`
}

func newBalanceView(snap balance.Snapshot) *balanceView {
	v := &balanceView{
		Mints:          make(map[string]mintBalanceView, snap.Len()),
		TotalAvailable: snap.TotalAvailable(),
		TakenAt:        snap.TakenAt(),
	}
	for _, id := range snap.Mints() {
		b, _ := snap.Get(id)
		v.Mints[id.String()] = mintBalanceView{
			Available: b.Available,
			Total:     b.Total,
			Pending:   b.Pending(),
		}
	}
	return v
}

func newResultView(res lifecycle.Result) *resultView {
	v := &resultView{
		State:     res.State,
		Amount:    res.Amount,
		Attempts:  res.Attempts,
		HasImage:  res.Image != nil,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
	if res.Err != nil {
		v.Error = &errorView{Kind: res.Err.Kind, Reason: res.Err.Reason}
	}
	if !res.Credential.IsZero() {
		v.Credential = res.Credential.String()
		v.Kind = res.Credential.Kind().String()
	}
	if d := res.Invoice; d != nil {
		v.Invoice = &invoiceView{
			AmountSat:   d.AmountSat,
			PaymentHash: d.PaymentHash,
			Description: d.Description,
			ExpiresAt:   d.ExpiresAt(),
		}
	}
	res.Balance.WhenSome(func(snap balance.Snapshot) {
		v.Balance = newBalanceView(snap)
	})
	return v
}

func newSessionView(sess *session) sessionView {
	v := sessionView{
		ID:        sess.id,
		Operation: sess.operation,
		State:     sess.ctrl.State(),
		CreatedAt: sess.createdAt,
	}
	if cur := sess.ctrl.Current(); !cur.IsZero() {
		v.Credential = cur.String()
	}
	if res, ok := sess.outcome(); ok {
		v.Done = true
		v.State = res.State
		v.Result = newResultView(res)
		if !res.Credential.IsZero() {
			v.Credential = res.Credential.String()
		}
	}
	return v
}

// statusFor maps a finished workflow onto an HTTP status.
func statusFor(res lifecycle.Result) int {
	switch {
	case res.Cancelled():
		return http.StatusConflict
	case res.OK():
		return http.StatusOK
	case res.State == lifecycle.StatePaymentPending:
		return http.StatusAccepted
	}

	switch res.Kind() {
	case lifecycle.KindTimedOut:
		return http.StatusAccepted
	case lifecycle.KindInvariantViolation:
		return http.StatusConflict
	case lifecycle.KindNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// outcomeLabel names a result for the workflow counter.
func outcomeLabel(res lifecycle.Result) string {
	if res.Err != nil {
		return res.Err.Kind.String()
	}
	return res.State.String()
}

func (s *Server) mintOrDefault(mint string) balance.MintID {
	if id := balance.NormalizeMint(mint); id != "" {
		return id
	}
	return balance.NormalizeMint(s.cfg.DefaultMint)
}

type workflow func(ctx context.Context, ctrl *lifecycle.Controller) (lifecycle.Result, error)

// launch runs wf in the background on a fresh controller and returns the
// session to track it. The workflow outlives the request that started it.
func (s *Server) launch(operation string, wf workflow) (*session, error) {
	ctrl, err := s.newController()
	if err != nil {
		return nil, err
	}

	sess := newSession(operation, ctrl, s.clock.Now())
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	started := s.workers.Go(ctx, func(ctx context.Context) {
		defer cancel()

		res, err := wf(ctx, ctrl)
		if err != nil {
			res = lifecycle.Result{
				State: lifecycle.StateFailed,
				Err: &lifecycle.Error{
					Kind:   lifecycle.KindInvariantViolation,
					Reason: err.Error(),
					Err:    err,
				},
			}
		}
		s.metrics.incWorkflow(operation, outcomeLabel(res))
		sess.complete(res, s.clock.Now())
	})
	if !started {
		cancel()
		return nil, errShuttingDown
	}

	s.sessions.add(sess, s.clock.Now())
	s.metrics.setSessions(s.sessions.len())
	return sess, nil
}

// runSync runs wf on a fresh controller within the request and records it
// as an already finished session.
func (s *Server) runSync(ctx context.Context, operation string,
	wf workflow) (int, interface{}) {

	ctrl, err := s.newController()
	if err != nil {
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}

	res, err := wf(ctx, ctrl)
	if err != nil {
		return badRequest(err.Error())
	}
	s.metrics.incWorkflow(operation, outcomeLabel(res))

	sess := newSession(operation, ctrl, s.clock.Now())
	sess.complete(res, s.clock.Now())
	s.sessions.add(sess, s.clock.Now())
	s.metrics.setSessions(s.sessions.len())

	return statusFor(res), newSessionView(sess)
}

var errShuttingDown = errors.New("server is shutting down")

func (s *Server) accepted(operation string, wf workflow) (int, interface{}) {
	sess, err := s.launch(operation, wf)
	if errors.Is(err, errShuttingDown) {
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error()}
	}
	if err != nil {
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}
	return http.StatusAccepted, newSessionView(sess)
}

func (s *Server) handleCreateInvoice(r *http.Request) (int, interface{}) {
	var req workflowRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest(err.Error())
	}
	if req.Amount <= 0 {
		return badRequest("amount must be positive")
	}
	img, err := s.images.Bind(req.Image)
	if err != nil {
		return badRequest(err.Error())
	}
	mint := s.mintOrDefault(req.Mint)

	return s.accepted("invoice", func(ctx context.Context,
		ctrl *lifecycle.Controller) (lifecycle.Result, error) {

		return ctrl.GenerateAndEmbed(ctx, req.Amount, mint, img)
	})
}

func (s *Server) handleWatch(r *http.Request) (int, interface{}) {
	var req watchRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest(err.Error())
	}
	inv, err := credential.Parse(req.Invoice)
	if err != nil {
		return badRequest(err.Error())
	}
	if !inv.IsInvoice() {
		return badRequest("invoice is required")
	}
	mint := s.mintOrDefault(req.Mint)

	return s.accepted("watch", func(ctx context.Context,
		ctrl *lifecycle.Controller) (lifecycle.Result, error) {

		return ctrl.Watch(ctx, inv, mint)
	})
}

func (s *Server) handleCreateToken(r *http.Request) (int, interface{}) {
	var req workflowRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest(err.Error())
	}
	if req.Amount <= 0 {
		return badRequest("amount must be positive")
	}
	img, err := s.images.Bind(req.Image)
	if err != nil {
		return badRequest(err.Error())
	}
	mint := s.mintOrDefault(req.Mint)

	return s.accepted("token", func(ctx context.Context,
		ctrl *lifecycle.Controller) (lifecycle.Result, error) {

		return ctrl.SendAndEmbed(ctx, req.Amount, mint, img)
	})
}

func (s *Server) handleReveal(r *http.Request) (int, interface{}) {
	var req revealRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest(err.Error())
	}
	img, err := s.images.Bind(req.Image)
	if err != nil {
		return badRequest(err.Error())
	}

	return s.runSync(r.Context(), "reveal", func(ctx context.Context,
		ctrl *lifecycle.Controller) (lifecycle.Result, error) {

		return ctrl.Extract(ctx, img)
	})
}

func (s *Server) handleRedeem(r *http.Request) (int, interface{}) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest(err.Error())
	}
	token, err := credential.Parse(req.Token)
	if err != nil {
		return badRequest(err.Error())
	}
	if !token.IsToken() {
		return badRequest("token is required")
	}

	type reply struct {
		status int
		body   interface{}
	}

	// Concurrent redeems of one token share a single wallet call. The
	// shared call is detached from the request that happened to start it,
	// so one client hanging up does not fail the others.
	flightCtx := context.WithoutCancel(r.Context())
	ch := s.redeems.DoChan(token.Fingerprint(), func() (interface{}, error) {
		status, body := s.runSync(flightCtx, "redeem", func(
			ctx context.Context, ctrl *lifecycle.Controller) (
			lifecycle.Result, error) {

			return ctrl.Redeem(ctx, token)
		})
		return reply{status: status, body: body}, nil
	})

	select {
	case res := <-ch:
		out := res.Val.(reply)
		return out.status, out.body

	case <-r.Context().Done():
		// 5xx keeps the idempotency store from caching this reply.
		return http.StatusServiceUnavailable, errorResponse{
			Error: "request cancelled",
		}
	}
}

func (s *Server) handlePay(r *http.Request) (int, interface{}) {
	var req payRequest
	if err := decodeJSON(r, &req); err != nil {
		return badRequest(err.Error())
	}
	inv, err := credential.Parse(req.Invoice)
	if err != nil {
		return badRequest(err.Error())
	}

	return s.runSync(r.Context(), "pay", func(ctx context.Context,
		ctrl *lifecycle.Controller) (lifecycle.Result, error) {

		return ctrl.Pay(ctx, inv)
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

// handleCancelSession cancels a running workflow. The session stays
// queryable and reports the cancelled result once the workflow unwinds.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}

	if _, done := sess.outcome(); done {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "session already finished",
		})
		return
	}

	log.Infof("Cancelling %s session %s", sess.operation, sess.id)
	sess.abort()

	select {
	case <-sess.done:
	case <-r.Context().Done():
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleSessionImage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}

	res, done := sess.outcome()
	if !done || res.Image == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no image"})
		return
	}

	img := res.Image
	contentType := img.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if img.Filename != "" {
		w.Header().Set("Content-Disposition",
			`attachment; filename="`+img.Filename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	snap, err := s.wallet.Balance(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error: remote.Reason(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, newBalanceView(snap))
}

// handleMints lists configured mints followed by any other mint the wallet
// holds funds at.
func (s *Server) handleMints(w http.ResponseWriter, r *http.Request) {
	mints := s.cfg.KnownMints()
	seen := make(map[string]struct{}, len(mints))
	for _, m := range mints {
		seen[m] = struct{}{}
	}

	if snap, err := s.wallet.Balance(r.Context()); err != nil {
		log.Debugf("Listing mints without wallet balance: %v", err)
	} else {
		for _, id := range snap.Mints() {
			m := id.String()
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			mints = append(mints, m)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Default string   `json:"default"`
		Mints   []string `json:"mints"`
	}{
		Default: s.cfg.DefaultMint,
		Mints:   mints,
	})
}
