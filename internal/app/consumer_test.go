package app

import (
	"context"
	"testing"

	"github.com/transfa/custody-service/internal/domain"
)

func TestCustodyRequestConsumer_CreateThenSubmit(t *testing.T) {
	svc, _, _ := newTestCustody(t)
	consumer := NewCustodyRequestConsumer(svc)
	bindings := consumer.Bindings()

	create := []byte(`{"sep_tx_id":"sep-q","protocol":"24","rail":"stellar","asset":"USDC","amount":"100","to_account":"GACCOUNT","memo":"7"}`)
	if !bindings[RoutingKeyCustodyCreate](create) {
		t.Fatalf("expected create to be acknowledged")
	}
	if !bindings[RoutingKeyCustodyCreate](create) {
		t.Fatalf("expected duplicate create to be acknowledged")
	}

	submit := []byte(`{"sep_tx_id":"sep-q","external_tx_id":"hash-q"}`)
	if !bindings[RoutingKeyCustodySubmitted](submit) {
		t.Fatalf("expected submit to be acknowledged")
	}

	txn, err := svc.repo.FindCustodyTransactionBySepTxID(context.Background(), "sep-q", domain.CustodyTransactionTypePayment)
	if err != nil {
		t.Fatalf("expected transaction, got %v", err)
	}
	if txn.Status != domain.CustodyStatusSubmitted || txn.ExternalTxIDValue() != "hash-q" {
		t.Fatalf("expected submitted with hash-q, got %s %q", txn.Status, txn.ExternalTxIDValue())
	}
}

func TestCustodyRequestConsumer_DropsBadPayloads(t *testing.T) {
	svc, repo, _ := newTestCustody(t)
	consumer := NewCustodyRequestConsumer(svc)

	payloads := map[string][]byte{
		"not json":       []byte(`{`),
		"invalid amount": []byte(`{"sep_tx_id":"sep-bad","rail":"stellar","asset":"USDC","amount":"-5"}`),
		"missing sep id": []byte(`{"rail":"stellar","asset":"USDC","amount":"5"}`),
	}
	for name, body := range payloads {
		if !consumer.HandleCreate(body) {
			t.Fatalf("%s: expected payload to be acknowledged", name)
		}
	}
	if !consumer.HandleSubmitted([]byte(`{"sep_tx_id":"sep-unknown","external_tx_id":"hash"}`)) {
		t.Fatalf("expected submit for unknown transaction to be acknowledged")
	}
	if got := len(repo.OutboxMessages()); got != 0 {
		t.Fatalf("expected no events, got %d", got)
	}
}
