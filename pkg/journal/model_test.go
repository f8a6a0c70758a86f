// 文件: pkg/journal/model_test.go
// 交易流水测试

package journal

import (
	"encoding/json"
	"testing"
)

func TestTxType_Names(t *testing.T) {
	cases := map[TxType]string{
		TxDeposit:        "DEPOSIT",
		TxWithdrawal:     "WITHDRAWAL",
		TxTradeBuy:       "TRADE_BUY",
		TxTradeSell:      "TRADE_SELL",
		TxSettlementWin:  "SETTLEMENT_WIN",
		TxSettlementLoss: "SETTLEMENT_LOSS",
		TxOrderReserve:   "ORDER_RESERVE",
		TxOrderRelease:   "ORDER_RELEASE",
		TxRefund:         "REFUND",
		TxMint:           "MINT",
		TxRedeem:         "REDEEM",
		TxMintMatch:      "MINT_MATCH",
		TxMergeMatch:     "MERGE_MATCH",
	}
	for txType, want := range cases {
		if got := txType.String(); got != want {
			t.Errorf("TxType %d: expected %s, got %s", txType, want, got)
		}
	}
	if got := TxType(200).String(); got != "UNKNOWN" {
		t.Errorf("expected UNKNOWN, got %s", got)
	}
}

func TestNewTransaction_EventID(t *testing.T) {
	tx := NewTransaction(TxTradeBuy, 100, 7, -2200, 40, "YES", "TRADE", 555)

	if tx.EventID != "TRADE_BUY:TRADE:555:100" {
		t.Errorf("unexpected event id: %s", tx.EventID)
	}
	if tx.Amount != -2200 || tx.Qty != 40 || tx.Contract != "YES" {
		t.Errorf("unexpected fields: %+v", tx)
	}

	// 同一业务引用重复构造，幂等键一致
	dup := NewTransaction(TxTradeBuy, 100, 7, -2200, 40, "YES", "TRADE", 555)
	if dup.EventID != tx.EventID {
		t.Errorf("event id must be deterministic: %s vs %s", dup.EventID, tx.EventID)
	}
}

func TestTransaction_KafkaMessage(t *testing.T) {
	tx := NewTransaction(TxDeposit, 42, 0, 10_000, 0, "", "DEPOSIT", 1)

	if tx.Topic() != TopicTransactions {
		t.Errorf("unexpected topic: %s", tx.Topic())
	}
	if tx.Key() != "42" {
		t.Errorf("expected key 42, got %s", tx.Key())
	}

	data, err := tx.Value()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Transaction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.EventID != tx.EventID || decoded.Amount != 10_000 {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestTransaction_ToRecord(t *testing.T) {
	tx := NewTransaction(TxMergeMatch, 7, 3, 3_800, 100, "NO", "TRADE", 9)
	rec := tx.ToRecord()

	if rec.EventID != tx.EventID || rec.Type != TxMergeMatch {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Amount != 3_800 || rec.Qty != 100 || rec.Contract != "NO" {
		t.Errorf("unexpected record fields: %+v", rec)
	}
	if rec.TableName() != "transactions" {
		t.Errorf("unexpected table name: %s", rec.TableName())
	}
}

func TestMemoryPublisher(t *testing.T) {
	pub := NewMemoryPublisher()

	_ = pub.PublishTransaction(NewTransaction(TxDeposit, 1, 0, 100, 0, "", "DEPOSIT", 1))
	_ = pub.PublishTrade(&TradeEvent{TradeID: 5, MarketID: 7, Type: "DIRECT", Price: 40, Qty: 10})

	if txs := pub.Transactions(); len(txs) != 1 || txs[0].Type != TxDeposit {
		t.Errorf("unexpected transactions: %+v", txs)
	}
	if trades := pub.Trades(); len(trades) != 1 || trades[0].TradeID != 5 {
		t.Errorf("unexpected trades: %+v", trades)
	}
}
