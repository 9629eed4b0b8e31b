package dcb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go-ledgerbook/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type accountPayload struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

var _ = Describe("CommandExecutor", func() {
	var (
		store    dcb.EventStore
		executor *dcb.CommandExecutor
		ctx      context.Context
	)

	accountQuery := func(accountID string) dcb.Query {
		return dcb.NewQuery(dcb.NewTags("account_id", accountID), "AccountOpened", "FundsWithdrawn")
	}

	accountProjector := func(accountID string) dcb.StateProjector {
		return dcb.StateProjector{
			ID:           "account",
			InitialState: int64(0),
			TransitionFn: func(state any, event dcb.Event) any {
				var p accountPayload
				_ = json.Unmarshal(event.Data, &p)
				balance := state.(int64)
				switch event.Type {
				case "AccountOpened":
					return p.Amount
				case "FundsWithdrawn":
					return balance - p.Amount
				}
				return balance
			},
		}
	}

	openAccount := dcb.CommandHandlerFunc(func(ctx context.Context, store dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
		var p accountPayload
		if err := json.Unmarshal(cmd.GetData(), &p); err != nil {
			return dcb.CommandResult{}, dcb.NewDomainError("OpenAccount", "invalid_payload", err)
		}
		_, condition, err := store.ProjectDecisionModel(ctx, accountQuery(p.AccountID), nil,
			[]dcb.StateProjector{accountProjector(p.AccountID)})
		if err != nil {
			return dcb.CommandResult{}, err
		}
		event := dcb.NewInputEvent("AccountOpened", dcb.NewTags("account_id", p.AccountID), cmd.GetData())
		return dcb.CommandResult{
			Events:    []dcb.InputEvent{event},
			Condition: condition.WithIdempotency("AccountOpened", "account_id", p.AccountID),
		}, nil
	})

	withdraw := dcb.CommandHandlerFunc(func(ctx context.Context, store dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
		var p accountPayload
		if err := json.Unmarshal(cmd.GetData(), &p); err != nil {
			return dcb.CommandResult{}, dcb.NewDomainError("Withdraw", "invalid_payload", err)
		}
		states, condition, err := store.ProjectDecisionModel(ctx, accountQuery(p.AccountID), nil,
			[]dcb.StateProjector{accountProjector(p.AccountID)})
		if err != nil {
			return dcb.CommandResult{}, err
		}
		balance := states["account"].(int64)
		if balance < p.Amount {
			return dcb.CommandResult{}, dcb.NewDomainError("Withdraw", "insufficient_funds",
				fmt.Errorf("balance %d is less than withdrawal %d", balance, p.Amount))
		}
		event := dcb.NewInputEvent("FundsWithdrawn", dcb.NewTags("account_id", p.AccountID), cmd.GetData())
		return dcb.CommandResult{Events: []dcb.InputEvent{event}, Condition: condition}, nil
	})

	BeforeEach(func() {
		store = dcb.NewEventStoreFromPool(pool)
		executor = dcb.NewCommandExecutor(store)
		Expect(executor.Register("OpenAccount", openAccount)).To(Succeed())
		Expect(executor.Register("Withdraw", withdraw)).To(Succeed())

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateTables(ctx, pool)).To(Succeed())
	})

	It("appends events and persists the command in one transaction", func() {
		payload := toJSON(accountPayload{AccountID: "a1", Amount: 100})
		result, err := executor.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))
		Expect(result.EventCount).To(Equal(1))

		events, err := store.Query(ctx, accountQuery("a1"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))

		var sameTx bool
		err = pool.QueryRow(ctx, `
			SELECT c.transaction_id = e.transaction_id
			FROM commands c, events e
			WHERE c.type = 'OpenAccount' AND e.type = 'AccountOpened'
		`).Scan(&sameTx)
		Expect(err).NotTo(HaveOccurred())
		Expect(sameTx).To(BeTrue())
	})

	It("reports an idempotent outcome on retry", func() {
		payload := toJSON(accountPayload{AccountID: "a2", Amount: 100})

		first, err := executor.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Outcome).To(Equal(dcb.OutcomeCreated))

		second, err := executor.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Outcome).To(Equal(dcb.OutcomeIdempotent))
		Expect(second.Reason).To(Equal(dcb.ReasonDuplicateOperation))

		// The retry appended nothing.
		events, err := store.Query(ctx, accountQuery("a2"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("surfaces duplicates as failures when registered with WithFailOnDuplicate", func() {
		strict := dcb.NewCommandExecutor(store)
		Expect(strict.Register("OpenAccount", openAccount, dcb.WithFailOnDuplicate())).To(Succeed())

		payload := toJSON(accountPayload{AccountID: "a3", Amount: 100})
		_, err := strict.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).NotTo(HaveOccurred())

		_, err = strict.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsDuplicateError(err)).To(BeTrue())
	})

	It("rolls back the command when the handler fails", func() {
		payload := toJSON(accountPayload{AccountID: "a4", Amount: 10})
		_, err := executor.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, dcb.NewCommand("Withdraw", toJSON(accountPayload{AccountID: "a4", Amount: 999}), nil))
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsDomainError(err)).To(BeTrue())

		domainErr, ok := dcb.GetDomainError(err)
		Expect(ok).To(BeTrue())
		Expect(domainErr.Code).To(Equal("insufficient_funds"))

		var commandCount int
		err = pool.QueryRow(ctx, "SELECT count(*) FROM commands WHERE type = 'Withdraw'").Scan(&commandCount)
		Expect(err).NotTo(HaveOccurred())
		Expect(commandCount).To(BeZero())
	})

	It("rejects commands without a registered handler", func() {
		_, err := executor.Execute(ctx, dcb.NewCommand("Unknown", nil, nil))
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("never overdraws under concurrent withdrawals", func() {
		payload := toJSON(accountPayload{AccountID: "a5", Amount: 100})
		_, err := executor.Execute(ctx, dcb.NewCommand("OpenAccount", payload, nil))
		Expect(err).NotTo(HaveOccurred())

		// Two concurrent withdrawals of 80 against a balance of 100: at most
		// one can commit, the other either conflicts or fails its check.
		start := make(chan struct{})
		results := make(chan error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := executor.Execute(ctx, dcb.NewCommand("Withdraw",
					toJSON(accountPayload{AccountID: "a5", Amount: 80}), nil))
				results <- err
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		var succeeded int
		for err := range results {
			if err == nil {
				succeeded++
			} else {
				Expect(dcb.IsConcurrencyError(err) || dcb.IsDomainError(err)).To(BeTrue(),
					fmt.Sprintf("unexpected error: %v", err))
			}
		}
		Expect(succeeded).To(BeNumerically("<=", 1))

		states, _, err := store.ProjectDecisionModel(ctx, accountQuery("a5"), nil,
			[]dcb.StateProjector{accountProjector("a5")})
		Expect(err).NotTo(HaveOccurred())
		Expect(states["account"].(int64)).To(BeNumerically(">=", 0))
	})

	It("conserves the total balance across a transfer and stamps both sides", func() {
		type transferPayload struct {
			TransferID  string `json:"transfer_id"`
			FromID      string `json:"from_id"`
			ToID        string `json:"to_id"`
			Amount      int64  `json:"amount"`
			FromBalance int64  `json:"from_balance"`
			ToBalance   int64  `json:"to_balance"`
		}

		balanceQuery := func(accountID string) dcb.Query {
			return dcb.NewQueryFromItems(
				dcb.NewQueryItem([]string{"AccountOpened", "FundsWithdrawn"}, dcb.NewTags("account_id", accountID)),
				dcb.NewQueryItem([]string{"FundsTransferred"}, dcb.NewTags("from_id", accountID)),
				dcb.NewQueryItem([]string{"FundsTransferred"}, dcb.NewTags("to_id", accountID)),
			)
		}
		balanceProjector := func(accountID string) dcb.StateProjector {
			return dcb.StateProjector{
				ID:           "balance:" + accountID,
				InitialState: int64(0),
				TransitionFn: func(state any, event dcb.Event) any {
					balance := state.(int64)
					switch event.Type {
					case "AccountOpened":
						var p accountPayload
						_ = json.Unmarshal(event.Data, &p)
						return p.Amount
					case "FundsTransferred":
						var p transferPayload
						_ = json.Unmarshal(event.Data, &p)
						if p.FromID == accountID {
							balance -= p.Amount
						}
						if p.ToID == accountID {
							balance += p.Amount
						}
					}
					return balance
				},
			}
		}
		projectBoth := func(fromID, toID string) (int64, int64) {
			query := dcb.NewQueryFromItems(append(balanceQuery(fromID).Items, balanceQuery(toID).Items...)...)
			states, _, err := store.ProjectDecisionModel(ctx, query, nil, []dcb.StateProjector{
				balanceProjector(fromID), balanceProjector(toID),
			})
			Expect(err).NotTo(HaveOccurred())
			return states["balance:"+fromID].(int64), states["balance:"+toID].(int64)
		}

		transfer := dcb.CommandHandlerFunc(func(ctx context.Context, store dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
			var p transferPayload
			if err := json.Unmarshal(cmd.GetData(), &p); err != nil {
				return dcb.CommandResult{}, dcb.NewDomainError("TransferFunds", "invalid_payload", err)
			}
			query := dcb.NewQueryFromItems(append(balanceQuery(p.FromID).Items, balanceQuery(p.ToID).Items...)...)
			states, condition, err := store.ProjectDecisionModel(ctx, query, nil, []dcb.StateProjector{
				balanceProjector(p.FromID), balanceProjector(p.ToID),
			})
			if err != nil {
				return dcb.CommandResult{}, err
			}
			from := states["balance:"+p.FromID].(int64)
			to := states["balance:"+p.ToID].(int64)
			if from < p.Amount {
				return dcb.CommandResult{}, dcb.NewDomainError("TransferFunds", "insufficient_funds",
					fmt.Errorf("balance %d is less than transfer %d", from, p.Amount))
			}
			p.FromBalance = from - p.Amount
			p.ToBalance = to + p.Amount
			event := dcb.NewInputEvent("FundsTransferred", dcb.NewTags(
				"from_id", p.FromID, "to_id", p.ToID, "transfer_id", p.TransferID,
			), toJSON(p))
			return dcb.CommandResult{
				Events:    []dcb.InputEvent{event},
				Condition: condition.WithIdempotency("FundsTransferred", "transfer_id", p.TransferID),
			}, nil
		})

		transfers := dcb.NewCommandExecutor(store)
		Expect(transfers.Register("OpenAccount", openAccount)).To(Succeed())
		Expect(transfers.Register("TransferFunds", transfer)).To(Succeed())

		_, err := transfers.Execute(ctx, dcb.NewCommand("OpenAccount",
			toJSON(accountPayload{AccountID: "t-from", Amount: 1000}), nil))
		Expect(err).NotTo(HaveOccurred())
		_, err = transfers.Execute(ctx, dcb.NewCommand("OpenAccount",
			toJSON(accountPayload{AccountID: "t-to", Amount: 500}), nil))
		Expect(err).NotTo(HaveOccurred())

		result, err := transfers.Execute(ctx, dcb.NewCommand("TransferFunds",
			toJSON(transferPayload{TransferID: "tr-1", FromID: "t-from", ToID: "t-to", Amount: 300}), nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))

		// The event records the post-transfer balances of both wallets.
		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("transfer_id", "tr-1"), "FundsTransferred"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		var recorded transferPayload
		Expect(json.Unmarshal(events[0].Data, &recorded)).To(Succeed())
		Expect(recorded.FromBalance).To(Equal(int64(700)))
		Expect(recorded.ToBalance).To(Equal(int64(800)))

		from, to := projectBoth("t-from", "t-to")
		Expect(from).To(Equal(int64(700)))
		Expect(to).To(Equal(int64(800)))
		Expect(from + to).To(Equal(int64(1500)))
	})
})
