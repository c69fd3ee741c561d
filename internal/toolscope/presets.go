package toolscope

// DefaultPresets are the agent profile presets shipped with the runtime.
// The runtime policy may replace them.
var DefaultPresets = map[string][]string{
	"support": {
		UniversalTool, "search_knowledge", "lookup_order", "list_products",
		"create_ticket", "update_ticket", "update_contact", "send_message", "escalate_to_human",
	},
	"sales": {
		UniversalTool, "search_knowledge", "list_products", "create_contact", "update_contact",
		"create_deal", "update_deal", "schedule_meeting", "create_invoice", "send_message",
	},
	"readonly": {
		UniversalTool, "search_knowledge", "lookup_order", "list_products", "get_*",
	},
	ProfileAll: {ProfileAll},
}

// DefaultChannelRestrictions removes media tools where the channel cannot carry media.
var DefaultChannelRestrictions = map[string][]string{
	"sms":   {"upload_*", "send_media", "send_image", "send_file", "generate_image"},
	"voice": {"upload_*", "send_media", "send_image", "send_file", "generate_image"},
}
