package pipeline

// Prompt text for the three stages. The exact-URL framing mirrors what the
// curation and formatting agents need: models like to "repair" URLs, and a
// rewritten Pexels URL is a dead link.

const expandPrompt = `You are an expert at understanding creative briefs and translating them into
precise stock photo search queries. You consider mood, style, subject matter,
and context.

Analyze this user request: %q

Extract 2-4 effective search queries that will find the most relevant stock
photos. Consider synonyms, related concepts, and different ways to describe
what the user needs. Be specific with your search terms.

Respond with one search query per line and nothing else.`

const curatePrompt = `You are a professional stock photo curator with an eye for quality and
relevance. You are meticulous about preserving exact URLs from API
responses: you NEVER modify, shorten, or recreate URLs. You copy them
exactly as provided.

The user's original request: %q

Below are raw search results from the Pexels API for several queries.
Review all results and select the TOP 8-12 photos that best match the
request. Consider photo quality, relevance, composition, and variety.

For EACH selected photo include: Photo ID, the EXACT Original URL, EXACT
Large URL, EXACT Medium URL, EXACT Small URL, photographer name,
photographer profile URL, dimensions, and Pexels page URL. Copy these URLs
EXACTLY as provided - do not modify them.

Search results:

%s`

const formatPrompt = `You are a presentation specialist who organizes photo results in a
user-friendly format with proper attribution and download links. URLs must
be preserved EXACTLY as provided - never create, modify, or shorten URLs.

Take the curated photo selection below and format it into a clear,
well-organized markdown presentation. For each photo include: number,
title/description, Photo ID, all size URLs (Original, Large, Medium,
Small) copied verbatim, photographer name with profile link, dimensions,
and Pexels page URL.

End with this attribution note: "Photos provided by Pexels. Please provide
attribution by linking to the photographer's Pexels profile."

Curated selection:

%s`
