package routing

// Service names for the routed fleet.
const (
	ServiceCore             = "wa-webhook-core"
	ServiceMobility         = "wa-webhook-mobility"
	ServiceInsurance        = "wa-webhook-insurance"
	ServiceJobs             = "wa-webhook-jobs"
	ServiceProperty         = "wa-webhook-property"
	ServiceProfile          = "wa-webhook-profile"
	ServiceBuySellDirectory = "wa-webhook-buy-sell-directory"
	ServiceBuySellAgent     = "wa-webhook-buy-sell-agent"
	ServiceBuySell          = "wa-webhook-buy-sell"
	ServiceWaiter           = "wa-webhook-waiter"
	ServiceFarmerAgent      = "wa-agent-farmer"
	ServiceSupportAgent     = "wa-agent-support"
	ServiceWaiterAgent      = "wa-agent-waiter"
	ServicePropertyAgent    = "agent-property-rental"
	ServiceCallCenter       = "wa-agent-call-center"
	ServiceUnified          = "wa-webhook-unified"
)

// DefaultRouteConfigs returns the routing table for the production fleet.
// Priority 1 services are the primary domains; agent services sit at 2 and
// the generic call-center agent at 3 as the loosest match.
func DefaultRouteConfigs() []RouteConfig {
	return []RouteConfig{
		{
			Service:  ServiceMobility,
			Keywords: []string{"ride", "trip", "driver", "taxi", "transport", "schedule", "book", "nearby", "delivery"},
			MenuKeys: []string{"rides", "mobility", "rides_agent", "nearby_drivers", "nearby_passengers", "schedule_trip", "1"},
			Priority: 1,
		},
		{
			Service:  ServiceInsurance,
			Keywords: []string{"insurance", "assurance", "cover", "claim", "policy", "premium", "insure", "protection"},
			MenuKeys: []string{"insurance", "insurance_agent", "motor_insurance", "insurance_submit", "insurance_help", "2"},
			Priority: 1,
		},
		{
			Service:  ServiceJobs,
			Keywords: []string{"job", "work", "employment", "hire", "career", "apply", "cv", "resume", "gig", "gigs"},
			MenuKeys: []string{"jobs", "jobs_agent", "3"},
			Priority: 1,
		},
		{
			Service:  ServiceProperty,
			Keywords: []string{"property", "rent", "house", "apartment", "rental", "landlord", "tenant", "real estate"},
			MenuKeys: []string{"property", "property_rentals", "property rentals", "real_estate_agent", "4"},
			Priority: 1,
		},
		{
			// Profile absorbed the wallet service; both keyword families route here
			Service: ServiceProfile,
			Keywords: []string{
				"wallet", "token", "transfer", "redeem", "earn", "reward", "balance",
				"payment", "pay", "deposit", "withdraw", "money", "referral", "share",
				"profile", "account", "my account",
			},
			MenuKeys: []string{
				"wallet", "token_transfer", "momo_qr", "momo qr", "momoqr",
				"profile", "my_account", "my account", "account", "profile_assets",
				"my_business", "my_businesses", "my_jobs", "my_properties", "saved_locations",
				"5",
			},
			Priority: 1,
		},
		{
			Service:  ServiceBuySellDirectory,
			Keywords: []string{"buy", "sell", "category", "categories", "browse", "directory", "shops"},
			MenuKeys: []string{"buy_sell_directory", "buy_sell_categories", "buy_and_sell", "buy and sell", "shops_services", "directory", "browse_categories", "6"},
			Priority: 1,
		},
		{
			Service:  ServiceBuySellAgent,
			Keywords: []string{"business broker", "find business", "shopping assistant", "ai search", "chat agent"},
			MenuKeys: []string{"buy_sell_agent", "business_broker_agent", "chat_with_agent", "marketplace_agent", "shop_ai", "ai_assistant"},
			Priority: 1,
		},
		{
			Service:    ServiceBuySell,
			Priority:   99,
			Deprecated: true,
			RedirectTo: ServiceBuySellDirectory,
		},
		{
			Service:  ServiceFarmerAgent,
			Keywords: []string{"farmer", "agriculture", "crop", "harvest", "seed", "fertilizer"},
			MenuKeys: []string{"farmer_agent", "farmers", "farmers_market"},
			Priority: 2,
		},
		{
			Service:  ServiceSupportAgent,
			Keywords: []string{"support", "help", "issue", "problem", "question", "faq"},
			MenuKeys: []string{"support_agent", "support", "customer_support", "help", "7"},
			Priority: 2,
		},
		{
			Service:  ServiceWaiterAgent,
			Keywords: []string{"waiter", "restaurant", "bar", "food", "menu", "order", "reservation"},
			MenuKeys: []string{"waiter_agent", "waiter", "restaurant"},
			Priority: 2,
		},
		{
			Service:  ServicePropertyAgent,
			Keywords: []string{"lease", "accommodation"},
			MenuKeys: []string{"property_agent", "rental_agent", "property_rental", "real_estate"},
			Priority: 2,
		},
		{
			Service:  ServiceCallCenter,
			Keywords: []string{"agent", "chat", "ask", "call center", "universal", "marketplace"},
			MenuKeys: []string{"ai_agents", "call_center", "universal_agent"},
			Priority: 3,
		},
	}
}

// DefaultStatePatterns returns the chat-state routing table. Order matters:
// the first pattern match wins, so the more specific prefixes come before the
// generic agent catch-alls.
func DefaultStatePatterns() []StatePattern {
	return []StatePattern{
		{Patterns: []string{"insurance", "ins_"}, Service: ServiceInsurance},
		{Patterns: []string{"jobs", "job_"}, Service: ServiceJobs},
		{Patterns: []string{"mobility", "trip_", "ride_"}, Service: ServiceMobility},
		{Patterns: []string{"property", "rental_"}, Service: ServiceProperty},
		{Patterns: []string{"wallet", "payment_", "transfer_"}, Service: ServiceProfile},
		{Patterns: []string{"directory_category", "directory_results", "directory_menu_pagination"}, Service: ServiceBuySellDirectory},
		{Patterns: []string{"agent_chat", "business_broker_chat"}, Service: ServiceBuySellAgent},
		{Patterns: []string{"shop_", "buy_sell_location", "buy_sell_results", "buy_sell_menu", "buy_sell_"}, Service: ServiceBuySellDirectory},
		{Patterns: []string{"waiter_workflow_"}, Service: ServiceWaiter},
		{Patterns: []string{"farmer_"}, Service: ServiceFarmerAgent},
		{Patterns: []string{"support_"}, Service: ServiceSupportAgent},
		{Patterns: []string{"waiter_", "restaurant_"}, Service: ServiceWaiterAgent},
		{Patterns: []string{"buy_sell_agent_"}, Service: ServiceBuySellAgent},
		{Patterns: []string{"property_agent_", "rental_agent_"}, Service: ServicePropertyAgent},
		{Patterns: []string{"agent_", "call_center_"}, Service: ServiceCallCenter},
	}
}

// RoutedServices returns the full list of forwarding targets, used by health
// aggregation and destination validation.
func RoutedServices() []string {
	return []string{
		ServiceMobility,
		ServiceInsurance,
		ServiceJobs,
		ServiceProperty,
		ServiceProfile,
		ServiceBuySellDirectory,
		ServiceBuySellAgent,
		ServiceWaiter,
		ServiceFarmerAgent,
		ServiceSupportAgent,
		ServiceWaiterAgent,
		ServicePropertyAgent,
		ServiceCallCenter,
		ServiceCore,
	}
}
