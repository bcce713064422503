package domain

var Tables = []interface{}{
	// Tenancy
	&Subaccount{},
	&MarketplaceAccount{},
	&ProviderInstallation{},
	// WhatsApp
	&Session{},
	&LocationSessionMap{},
	&SessionEventLog{},
	&Message{},
}
