package engine

// Prompt templates for the reasoning service calls. Structured calls describe
// their JSON schema inline; the provider enforces JSON-mode output.

const planPrompt = `You are an expert research librarian. Break the user's query into atomic, search-engine-ready sub-questions.

Rules:
- Every sub-question must be a necessary building block for answering the original query; drop peripheral angles.
- Phrase each sub-question as a standalone search query with explicit subject names, never pronouns.
- Be generous about decomposing a genuinely multi-part query, but do not pad: if the query is already atomic, return a single refined item.
- Never exceed %d sub-questions.

Original query: %s

Respond in JSON with keys:
- "questions": array of strings
- "reason": string explaining how the sub-questions cover the query
Ensure the output is valid JSON and nothing else.`

const relevancePrompt = `You are a content evaluator. Judge whether this search result helps answer the query.

Query: %s

Search result:
Title: %s
Content: %s

Consider: is it directly related, does it carry factual value, and is it free of spam or filler.

Respond in JSON with keys:
- "is_relevant": boolean
- "reason": string
Ensure the output is valid JSON and nothing else.`

const synthesisPrompt = `You are a research assistant synthesizing web findings into a report.

Query: %s

Search findings:
%s

Sources:
%s

Instructions:
- Answer using only the material above; state clearly when it is insufficient.
- Cite inline with [n] markers and close with a numbered reference list in IEEE style, one entry per distinct source, no duplicates.
- Structure the report as a short introduction, a detailed analysis with inline citations, and the references.
- Write in the same language as the query.`

const reviewPrompt = `You are a critical reviewer. Evaluate how well the report below answers the original query using the listed sources.

Original query:
%s

Sources:
%s

Report:
%s

Judge accuracy against the sources, completeness with respect to the query, clarity of structure, and citation quality.

Respond in JSON with keys:
- "score": integer 1-10
- "strengths": string
- "weaknesses": string
Ensure the output is valid JSON and nothing else.`

const gateRouterPrompt = `The user reviewed the proposed sub-questions and replied. Decide the next step.

If the feedback approves the sub-questions, return "search". If it asks for different, additional or rewritten sub-questions, return "plan". No more than %d sub-questions are allowed.

Respond in JSON with keys:
- "next_step": "search" or "plan"
- "reason": string referencing question numbers where helpful
Ensure the output is valid JSON and nothing else.`

const reviewRouterPrompt = `The original query is: %s
A reviewer scored the report %d/10 with strengths: %s and weaknesses: %s.
Material gathered so far:
%s

Decide how to improve the report. If everything needed is already gathered and only the write-up must change, return "summarize". If critical information is missing and new searches are required, return "plan".

Respond in JSON with keys:
- "next_step": "summarize" or "plan"
- "reason": string
Ensure the output is valid JSON and nothing else.`
