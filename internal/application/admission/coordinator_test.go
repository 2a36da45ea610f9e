package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	apppay "github.com/aemorandin-coder/electroweb-admission/internal/application/payment"
	appres "github.com/aemorandin-coder/electroweb-admission/internal/application/reservation"
	appstock "github.com/aemorandin-coder/electroweb-admission/internal/application/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/order"
	domoutbox "github.com/aemorandin-coder/electroweb-admission/internal/domain/outbox"
	dompay "github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/catalog"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/id"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/memory"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/clock"
)

var caracas = time.FixedZone("VET", -4*60*60)

type bank struct {
	mu    sync.Mutex
	calls int
	// answer decides what the bank says; nil confirms the transfer as reported.
	answer func(req dompay.GatewayRequest) (dompay.GatewayResult, error)
}

func (b *bank) Verify(_ context.Context, req dompay.GatewayRequest) (dompay.GatewayResult, error) {
	b.mu.Lock()
	b.calls++
	answer := b.answer
	b.mu.Unlock()
	if answer != nil {
		return answer(req)
	}
	return confirm(req), nil
}

func (b *bank) set(answer func(req dompay.GatewayRequest) (dompay.GatewayResult, error)) {
	b.mu.Lock()
	b.answer = answer
	b.mu.Unlock()
}

func (b *bank) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func confirm(req dompay.GatewayRequest) dompay.GatewayResult {
	return dompay.GatewayResult{
		Outcome:          dompay.OutcomeFound,
		Matched:          true,
		GatewayReference: "BNK-" + req.ReferenceNumber,
		Amount:           decimal.RequireFromString("50.00"),
		Date:             req.Date,
		ResponseCode:     "200",
	}
}

type captured struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (c *captured) Publish(_ context.Context, e domoutbox.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captured) admitted() []order.AdmittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []order.AdmittedEvent
	for _, e := range c.events {
		if ev, ok := e.(order.AdmittedEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

type CoordinatorSuite struct {
	suite.Suite
	ctx         context.Context
	clock       *clock.Manual
	stock       *memory.StockRepository
	bank        *bank
	events      *captured
	claims      *memory.ClaimRepository
	manager     *appres.Manager
	payments    *apppay.Processor
	coordinator *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewManual(time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC))
	s.stock = memory.NewStockRepository()
	s.bank = &bank{}
	s.events = &captured{}

	ids := id.NewGenerator()
	s.claims = memory.NewClaimRepository()
	ledger := appstock.NewLedger(s.stock, catalog.NewStatic(map[string]int{"P": 5, "Q": 2}), s.clock, nil)
	s.manager = appres.NewManager(memory.NewReservationRepository(), ledger, s.claims, ids, s.events, nil,
		appres.Options{TTL: 15 * time.Minute, Clock: s.clock})
	s.payments = apppay.NewProcessor(s.claims, s.manager, s.bank, ids, s.events, nil,
		apppay.Options{MaxAttempts: 3, Location: caracas, Clock: s.clock})
	s.coordinator = NewCoordinator(s.manager, s.payments, s.events, nil)
}

func (s *CoordinatorSuite) checkout(qty int) *Checkout {
	co, err := s.coordinator.StartCheckout(s.ctx, Cart{
		OwnerID:   "shopper-1",
		Lines:     []CartLine{{ProductID: "P", Quantity: qty}},
		AmountDue: decimal.RequireFromString("50.00"),
	})
	s.Require().NoError(err)
	return co
}

func (s *CoordinatorSuite) claim(reference, amount string) dompay.Fields {
	return dompay.Fields{
		PayerPhone:      "04241112233",
		OriginBankCode:  "0134",
		ReferenceNumber: reference,
		Amount:          decimal.RequireFromString(amount),
		Date:            time.Date(2026, 10, 18, 0, 0, 0, 0, caracas),
	}
}

func (s *CoordinatorSuite) line(productID string) *stock.Line {
	l, err := s.stock.Get(s.ctx, productID)
	s.Require().NoError(err)
	return l
}

func (s *CoordinatorSuite) TestConcurrentCheckoutsNeverOversell() {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.coordinator.StartCheckout(s.ctx, Cart{OwnerID: "shopper", Lines: []CartLine{{ProductID: "P", Quantity: 3}}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, stock.ErrInsufficientStock):
				short++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal(1, short)
	s.Equal(2, s.line("P").Available())
}

func (s *CoordinatorSuite) TestVerifiedPaymentAdmitsOrder() {
	co := s.checkout(2)

	adm, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("12345678", "50.00"))
	s.Require().NoError(err)
	s.NotEmpty(adm.OrderID)
	s.NotEmpty(adm.ClaimID)

	p := s.line("P")
	s.Equal(3, p.TotalOnHand)
	s.Equal(0, p.Reserved)

	admitted := s.events.admitted()
	s.Require().Len(admitted, 1)
	s.Equal(adm.OrderID, admitted[0].OrderID)
	s.Equal("12345678", admitted[0].ReferenceNumber)
	s.Equal("BNK-12345678", admitted[0].GatewayReference)
	s.Equal([]order.Line{{ProductID: "P", Quantity: 2}}, admitted[0].Lines)
}

func (s *CoordinatorSuite) TestDuplicateWhileFirstIsVerifying() {
	first := s.checkout(1)
	second := s.checkout(1)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	s.bank.set(func(req dompay.GatewayRequest) (dompay.GatewayResult, error) {
		close(entered)
		<-proceed
		return confirm(req), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.coordinator.ConfirmPayment(s.ctx, first.ReservationID, s.claim("12345678", "50.00"))
		done <- err
	}()
	<-entered

	_, err := s.coordinator.ConfirmPayment(s.ctx, second.ReservationID, s.claim("12345678", "50.00"))
	var perr *PaymentError
	s.Require().ErrorAs(err, &perr)
	s.ErrorIs(err, dompay.ErrDuplicateReference)
	s.Equal(dompay.StateDuplicate, perr.Verdict.State)
	s.Equal(1, s.bank.Calls())

	close(proceed)
	s.Require().NoError(<-done)
}

func (s *CoordinatorSuite) TestSecondClaimWhileFirstIsVerifyingIsRefused() {
	co := s.checkout(1)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	s.bank.set(func(req dompay.GatewayRequest) (dompay.GatewayResult, error) {
		close(entered)
		<-proceed
		return confirm(req), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("12345678", "50.00"))
		done <- err
	}()
	<-entered

	_, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("87654321", "50.00"))
	s.Require().ErrorIs(err, dompay.ErrLiveClaim)
	s.Equal(1, s.bank.Calls(), "the second claim never reaches the bank")

	close(proceed)
	s.Require().NoError(<-done)
	s.Len(s.events.admitted(), 1)

	claims, err := s.claims.ListByReservation(s.ctx, co.ReservationID)
	s.Require().NoError(err)
	s.Len(claims, 1)
}

func (s *CoordinatorSuite) TestConcurrentRetriesAnnounceOrderOnce() {
	co := s.checkout(1)
	// verified, but the commit never ran
	v, err := s.payments.Submit(s.ctx, apppay.SubmitInput{ReservationID: co.ReservationID, Fields: s.claim("24682468", "50.00")})
	s.Require().NoError(err)
	s.Require().Equal(dompay.StateVerified, v.State)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		orders = map[string]bool{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := s.coordinator.RetryPayment(s.ctx, v.ClaimID)
			mu.Lock()
			defer mu.Unlock()
			if s.NoError(err) {
				orders[adm.OrderID] = true
			}
		}()
	}
	wg.Wait()

	s.Len(orders, 1)
	s.Len(s.events.admitted(), 1)
	s.Equal(4, s.line("P").TotalOnHand)
}

func (s *CoordinatorSuite) TestAmountMismatchIsRejectedWithReason() {
	co := s.checkout(1)

	_, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("12345678", "49.99"))
	s.Require().ErrorIs(err, ErrPaymentRejected)
	var perr *PaymentError
	s.Require().ErrorAs(err, &perr)
	s.Equal(dompay.ReasonAmountMismatch, perr.Verdict.Reason)

	res, err := s.manager.Get(s.ctx, co.ReservationID)
	s.Require().NoError(err)
	s.Equal(reservation.StateHeld, res.State, "the hold stays for a corrected claim")

	_, err = s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("12345678", "50.00"))
	s.ErrorIs(err, dompay.ErrDuplicateReference, "the bank already saw this reference")

	adm, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("87654321", "50.00"))
	s.Require().NoError(err)
	s.NotEmpty(adm.OrderID)
}

func (s *CoordinatorSuite) TestHoldExpiredAfterVerification() {
	co := s.checkout(2)
	s.bank.set(func(req dompay.GatewayRequest) (dompay.GatewayResult, error) {
		// the bank takes long enough for the hold to lapse
		s.clock.Advance(16 * time.Minute)
		return confirm(req), nil
	})

	_, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("12345678", "50.00"))
	s.Require().ErrorIs(err, ErrHoldExpired)

	res, err := s.manager.Get(s.ctx, co.ReservationID)
	s.Require().NoError(err)
	s.Equal(reservation.StateExpired, res.State)
	p := s.line("P")
	s.Equal(5, p.TotalOnHand)
	s.Equal(0, p.Reserved)
	s.Empty(s.events.admitted())
}

func (s *CoordinatorSuite) TestRetryPaymentAfterBankOutage() {
	co := s.checkout(1)
	s.bank.set(func(dompay.GatewayRequest) (dompay.GatewayResult, error) {
		return dompay.GatewayResult{ResponseCode: "503"}, fmt.Errorf("%w: status 503", dompay.ErrGatewayUnavailable)
	})

	_, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("11223344", "50.00"))
	s.Require().ErrorIs(err, ErrRetryLater)
	var perr *PaymentError
	s.Require().ErrorAs(err, &perr)
	s.True(perr.Verdict.RetryLater)

	s.bank.set(nil)
	adm, err := s.coordinator.RetryPayment(s.ctx, perr.Verdict.ClaimID)
	s.Require().NoError(err)
	s.Equal(perr.Verdict.ClaimID, adm.ClaimID)

	again, err := s.coordinator.RetryPayment(s.ctx, perr.Verdict.ClaimID)
	s.Require().NoError(err)
	s.Equal(adm.OrderID, again.OrderID)
	s.Len(s.events.admitted(), 1)
}

func (s *CoordinatorSuite) TestCancelCheckoutReturnsStock() {
	co := s.checkout(3)
	s.Require().NoError(s.coordinator.CancelCheckout(s.ctx, co.ReservationID))
	s.Require().NoError(s.coordinator.CancelCheckout(s.ctx, co.ReservationID))
	s.Equal(5, s.line("P").Available())

	_, err := s.coordinator.ConfirmPayment(s.ctx, co.ReservationID, s.claim("12345678", "50.00"))
	s.Require().ErrorIs(err, ErrPaymentRejected)
	s.Zero(s.bank.Calls())
}
