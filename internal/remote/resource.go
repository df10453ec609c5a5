package remote

// Resource describes the endpoints of one remote entity collection.
type Resource struct {
	// Name identifies the resource in logs and errors.
	Name string
	// ListPaths are the collection endpoints paged by pulls. Work orders are
	// split over two lists.
	ListPaths []string
	// Path is the record endpoint: POST Path creates, PUT/DELETE Path/{id}.
	Path string
	// ListKey is the response key holding the list page.
	ListKey string
	// RecordKey is the response key holding a created or updated record.
	RecordKey string
	// Deletable is false when the service has no delete endpoint.
	Deletable bool
}

// Default resources of the remote service.
var (
	Customers = Resource{
		Name:      "customer",
		ListPaths: []string{"/api/customers"},
		Path:      "/api/customer",
		ListKey:   "customers",
		RecordKey: "customer",
		Deletable: true,
	}
	Items = Resource{
		Name:      "item",
		ListPaths: []string{"/api/inventory/items"},
		Path:      "/api/inventory/item",
		ListKey:   "items",
		RecordKey: "item",
		Deletable: true,
	}
	Services = Resource{
		Name:      "service",
		ListPaths: []string{"/api/inventory/services"},
		Path:      "/api/inventory/service",
		ListKey:   "services",
		RecordKey: "service",
		Deletable: true,
	}
	WorkOrders = Resource{
		Name:      "workorder",
		ListPaths: []string{"/api/workorders/pending", "/api/workorders/completed"},
		Path:      "/api/workorder",
		ListKey:   "workOrders",
		RecordKey: "workOrder",
		Deletable: true,
	}
	Bills = Resource{
		Name:      "bill",
		ListPaths: []string{"/api/bills"},
		Path:      "/api/bill",
		ListKey:   "bills",
		RecordKey: "bill",
	}
	BankAccounts = Resource{
		Name:      "bankaccount",
		ListPaths: []string{"/api/bank-accounts"},
		Path:      "/api/bank-account",
		ListKey:   "bankAccounts",
		RecordKey: "bankAccount",
		Deletable: true,
	}
)

// DashboardPath serves the dashboard metrics under the "data" key.
const DashboardPath = "/api/dashboard/metrics"

// Resources lists every default resource by name.
var Resources = map[string]Resource{
	Customers.Name:    Customers,
	Items.Name:        Items,
	Services.Name:     Services,
	WorkOrders.Name:   WorkOrders,
	Bills.Name:        Bills,
	BankAccounts.Name: BankAccounts,
}
