package agent

import "net/http"

// Static descriptors for marketplace discovery (MIP-003 surface). No side
// effects on any of these.

func (s *Service) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "available",
		"type":            "masumi-agent",
		"agent_type":      "stock-photo-search",
		"agentIdentifier": s.opts.AgentIdentifier,
		"version":         "1.0.0",
		"message":         "Stock photo search agent operational and ready to process photo search queries.",
	})
}

func (s *Service) handleInputSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"input_data": []map[string]interface{}{
			{
				"id":       "prompt",
				"type":     "string",
				"name":     "Photo Search Prompt",
				"required": true,
				"data": map[string]interface{}{
					"description": "Describe the type of stock photos you need for your project. Be specific about mood, style, subject matter, and context.",
					"placeholder": "e.g., 'modern office space with natural lighting' or 'outdoor adventure hiking'",
					"examples": []string{
						"modern tech startup office with diverse team collaborating",
						"cozy coffee shop with warm atmosphere and natural lighting",
						"outdoor adventure hiking mountain trail",
						"minimalist workspace with plants and natural light",
					},
				},
			},
		},
	})
}

func (s *Service) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentIdentifier": s.opts.AgentIdentifier,
		"name":            "Stock Photo Search Agent",
		"description":     "AI-powered agent that searches and curates high-quality stock photos from Pexels, with markdown-formatted links, full attribution, and multiple size options.",
		"version":         "1.0.0",
		"category":        "Media & Design",
		"tags":            []string{"stock-photos", "pexels", "image-search", "design", "photography", "media"},
		"pricing": map[string]string{
			"amount":   s.opts.PaymentAmount,
			"unit":     s.opts.PaymentUnit,
			"currency": "ADA",
		},
		"capabilities": []string{
			"Intelligent photo search using natural language",
			"Curated selection of top highest-quality photos",
			"Original high-resolution photo downloads",
			"Full photographer attribution and Pexels links",
			"Optimized search query generation",
			"Markdown-formatted links for easy integration",
		},
		"inputSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "Natural language description of the photos you need",
				},
			},
			"required": []string{"prompt"},
		},
		"outputFormat":          "Markdown-formatted list of curated photos with Pexels page links, download links, photographer info, and attribution",
		"averageProcessingTime": "30-60 seconds",
		"supportedNetworks":     []string{"PREPROD", "MAINNET"},
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
