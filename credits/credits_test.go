package credits

import (
	"testing"

	"leadsearch/domain"
)

func TestCostFor(t *testing.T) {
	cases := []struct {
		name   string
		query  domain.SearchQuery
		cost   int64
		txType TransactionType
	}{
		{"std first page", domain.NewSearchQuery("austin", "coffee", false, ""), CostStdSearch, TxTypeSearch},
		{"deep first page", domain.NewSearchQuery("austin", "coffee", true, ""), CostDeepSearch, TxTypeDeepSearch},
		{"std pagination", domain.NewSearchQuery("austin", "coffee", false, "TOKEN"), CostPagination, TxTypePagination},
		{"deep pagination", domain.NewSearchQuery("austin", "coffee", true, "deepscan:3"), CostPagination, TxTypePagination},
	}
	for _, tc := range cases {
		cost, txType := CostFor(tc.query)
		if cost != tc.cost || txType != tc.txType {
			t.Fatalf("%s: got (%d, %s), want (%d, %s)", tc.name, cost, txType, tc.cost, tc.txType)
		}
	}
}

func TestDeepFirstPageCostsMoreThanPagination(t *testing.T) {
	deep, _ := CostFor(domain.NewSearchQuery("a", "b", true, ""))
	next, _ := CostFor(domain.NewSearchQuery("a", "b", true, "deepscan:1"))
	if deep <= next {
		t.Fatalf("deep first page (%d) must cost more than pagination (%d)", deep, next)
	}
}
