package dcb_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-ledgerbook/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EventStore", func() {
	var (
		store dcb.EventStore
		ctx   context.Context
	)

	BeforeEach(func() {
		store = dcb.NewEventStoreFromPool(pool)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateTables(ctx, pool)).To(Succeed())
	})

	Describe("Append and Query", func() {
		It("assigns contiguous positions starting at 1", func() {
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]string{"owner": "alice"})),
				dcb.NewInputEvent("WalletDeposited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]int{"amount": 100})),
			)

			cursor, err := store.Append(ctx, events)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.Position).To(Equal(int64(2)))

			read, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(HaveLen(2))
			Expect(read[0].Position).To(Equal(int64(1)))
			Expect(read[1].Position).To(Equal(int64(2)))
			Expect(read[0].Type).To(Equal("WalletOpened"))
		})

		It("filters by tags with subset matching", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("Deposited", dcb.NewTags("wallet_id", "w1", "currency", "EUR"), toJSON(map[string]int{"amount": 1})),
				dcb.NewInputEvent("Deposited", dcb.NewTags("wallet_id", "w2", "currency", "EUR"), toJSON(map[string]int{"amount": 2})),
			))
			Expect(err).NotTo(HaveOccurred())

			// Query tags are a subset of event tags, so w1's event matches.
			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Tags).To(ContainElement(dcb.NewTag("wallet_id", "w1")))
		})

		It("combines query items with OR", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("A", dcb.NewTags("k", "1"), nil),
				dcb.NewInputEvent("B", dcb.NewTags("k", "2"), nil),
				dcb.NewInputEvent("C", dcb.NewTags("k", "3"), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			query := dcb.NewQueryFromItems(
				dcb.NewQItemKV("A", "k", "1"),
				dcb.NewQItemKV("C", "k", "3"),
			)
			events, err := store.Query(ctx, query, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Type).To(Equal("A"))
			Expect(events[1].Type).To(Equal("C"))
		})

		It("respects cursor and limit options", func() {
			for i := 0; i < 5; i++ {
				_, err := store.Append(ctx, dcb.NewEventBatch(
					dcb.NewInputEvent("Tick", dcb.NewTags("n", fmt.Sprintf("%d", i)), nil),
				))
				Expect(err).NotTo(HaveOccurred())
			}

			after := dcb.NewCursor(2)
			limit := 2
			events, err := store.Query(ctx, dcb.NewQueryAll(), &dcb.QueryOptions{After: &after, Limit: &limit})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Position).To(Equal(int64(3)))
			Expect(events[1].Position).To(Equal(int64(4)))
		})

		It("rejects events with empty type", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("", dcb.NewTags("k", "v"), nil),
			))
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})

		It("rejects empty batches", func() {
			_, err := store.Append(ctx, nil)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})

		It("rejects non-JSON payloads", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("Bad", dcb.NewTags("k", "v"), []byte("not json")),
			))
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("MaxPosition", func() {
		It("returns the zero cursor for an empty store", func() {
			cursor, err := store.MaxPosition(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.IsZero()).To(BeTrue())
		})

		It("returns the highest committed position", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("A", dcb.NewTags("k", "1"), nil),
				dcb.NewInputEvent("B", dcb.NewTags("k", "2"), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			cursor, err := store.MaxPosition(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.Position).To(Equal(int64(2)))
		})
	})

	Describe("QueryStream", func() {
		It("streams events in position order", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("A", dcb.NewTags("k", "1"), nil),
				dcb.NewInputEvent("B", dcb.NewTags("k", "1"), nil),
				dcb.NewInputEvent("C", dcb.NewTags("k", "1"), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			iterator, err := store.QueryStream(ctx, dcb.NewQuery(dcb.NewTags("k", "1")), nil)
			Expect(err).NotTo(HaveOccurred())
			defer iterator.Close()

			var positions []int64
			for iterator.Next() {
				positions = append(positions, iterator.Event().Position)
			}
			Expect(iterator.Err()).NotTo(HaveOccurred())
			Expect(positions).To(Equal([]int64{1, 2, 3}))
		})
	})

	Describe("AppendIf", func() {
		It("succeeds when no conflicting events exist after the cursor", func() {
			key := fmt.Sprintf("wallet-%d", time.Now().UnixNano())
			query := dcb.NewQuery(dcb.NewTags("wallet_id", key))

			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", key), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			cursor, err := store.MaxPosition(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletDeposited", dcb.NewTags("wallet_id", key), toJSON(map[string]int{"amount": 10})),
			), dcb.NewAppendCondition(query, cursor))
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails with a ConcurrencyError when events were committed after the cursor", func() {
			key := fmt.Sprintf("wallet-%d", time.Now().UnixNano())
			query := dcb.NewQuery(dcb.NewTags("wallet_id", key))

			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", key), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			stale, err := store.MaxPosition(ctx)
			Expect(err).NotTo(HaveOccurred())

			// Another writer advances the boundary.
			_, err = store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletDeposited", dcb.NewTags("wallet_id", key), toJSON(map[string]int{"amount": 5})),
			))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletWithdrawn", dcb.NewTags("wallet_id", key), toJSON(map[string]int{"amount": 5})),
			), dcb.NewAppendCondition(query, stale))
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			concErr, ok := dcb.GetConcurrencyError(err)
			Expect(ok).To(BeTrue())
			Expect(concErr.Cursor).To(Equal(stale))
		})

		It("lets exactly one of two concurrent conditional appends win", func() {
			key := fmt.Sprintf("wallet-%d", time.Now().UnixNano())
			query := dcb.NewQuery(dcb.NewTags("wallet_id", key))

			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", key), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			cursor, err := store.MaxPosition(ctx)
			Expect(err).NotTo(HaveOccurred())
			condition := dcb.NewAppendCondition(query, cursor)

			start := make(chan struct{})
			results := make(chan error, 2)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				i := i
				go func() {
					defer wg.Done()
					<-start
					_, err := store.AppendIf(ctx, dcb.NewEventBatch(
						dcb.NewInputEvent("WalletWithdrawn", dcb.NewTags("wallet_id", key), toJSON(map[string]int{"writer": i})),
					), condition)
					results <- err
				}()
			}
			close(start)
			wg.Wait()
			close(results)

			var succeeded, conflicted int
			for err := range results {
				if err == nil {
					succeeded++
				} else if dcb.IsConcurrencyError(err) {
					conflicted++
				} else {
					Fail(fmt.Sprintf("unexpected error: %v", err))
				}
			}
			Expect(succeeded).To(Equal(1))
			Expect(conflicted).To(Equal(1))
		})

		It("fails with a DuplicateError when the idempotency query matches", func() {
			key := fmt.Sprintf("transfer-%d", time.Now().UnixNano())

			condition := dcb.NewIdempotencyCondition("MoneyTransferred", "transfer_id", key)
			_, err := store.AppendIf(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("MoneyTransferred", dcb.NewTags("transfer_id", key), toJSON(map[string]int{"amount": 10})),
			), condition)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("MoneyTransferred", dcb.NewTags("transfer_id", key), toJSON(map[string]int{"amount": 10})),
			), condition)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsDuplicateError(err)).To(BeTrue())

			dupErr, ok := dcb.GetDuplicateError(err)
			Expect(ok).To(BeTrue())
			Expect(dupErr.EventType).To(Equal("MoneyTransferred"))
			Expect(dupErr.Tag).To(Equal(dcb.NewTag("transfer_id", key)))
		})

		It("checks idempotency before the cursor condition", func() {
			key := fmt.Sprintf("transfer-%d", time.Now().UnixNano())
			query := dcb.NewQuery(dcb.NewTags("transfer_id", key))

			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("MoneyTransferred", dcb.NewTags("transfer_id", key), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			// Both the stale cursor and the idempotency query match; the
			// duplicate must win so retries read as benign.
			condition := dcb.NewAppendCondition(query, dcb.NewCursor(0)).
				WithIdempotency("MoneyTransferred", "transfer_id", key)
			_, err = store.AppendIf(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("MoneyTransferred", dcb.NewTags("transfer_id", key), nil),
			), condition)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsDuplicateError(err)).To(BeTrue())
			Expect(dcb.IsConcurrencyError(err)).To(BeFalse())
		})
	})

	Describe("InTransaction", func() {
		It("commits appends together with stored commands", func() {
			err := store.InTransaction(ctx, func(ctx context.Context, txStore dcb.EventStore) error {
				if _, err := txStore.Append(ctx, dcb.NewEventBatch(
					dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "tx1"), nil),
				)); err != nil {
					return err
				}
				return txStore.StoreCommand(ctx, "OpenWallet", toJSON(map[string]string{"wallet_id": "tx1"}), nil)
			})
			Expect(err).NotTo(HaveOccurred())

			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "tx1")), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))

			var commandCount int
			err = pool.QueryRow(ctx, "SELECT count(*) FROM commands WHERE type = 'OpenWallet'").Scan(&commandCount)
			Expect(err).NotTo(HaveOccurred())
			Expect(commandCount).To(Equal(1))

			// The command row carries the same transaction_id as the event.
			var sameTx bool
			err = pool.QueryRow(ctx, `
				SELECT c.transaction_id = e.transaction_id
				FROM commands c, events e
				WHERE c.type = 'OpenWallet' AND e.position = 1
			`).Scan(&sameTx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sameTx).To(BeTrue())
		})

		It("rolls back everything when fn returns an error", func() {
			err := store.InTransaction(ctx, func(ctx context.Context, txStore dcb.EventStore) error {
				if _, err := txStore.Append(ctx, dcb.NewEventBatch(
					dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "tx2"), nil),
				)); err != nil {
					return err
				}
				return fmt.Errorf("handler failed")
			})
			Expect(err).To(MatchError(ContainSubstring("handler failed")))

			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "tx2")), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(BeEmpty())
		})

		It("rejects nested transactions", func() {
			err := store.InTransaction(ctx, func(ctx context.Context, txStore dcb.EventStore) error {
				return txStore.InTransaction(ctx, func(ctx context.Context, inner dcb.EventStore) error {
					return nil
				})
			})
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})
	})
})
