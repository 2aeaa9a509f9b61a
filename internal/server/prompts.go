package server

const titlePrompt = `You generate short, concise titles for conversations.
The title must be 3-8 words, descriptive, and capture the main topic, in the
same language as the conversation. Output only the title, nothing else.`

const descriptionPrompt = `Summarize the user's intent in this conversation as
exactly one sentence of 8-12 words. Output only the sentence, with no quotes,
no markdown and no code fences.`

const matchPrompt = `You assign a conversation to at most one project.

Score every candidate project between 0.0 and 1.0 using this rubric:
- 0.9-1.0: the conversation directly matches the project's purpose
- 0.7-0.8: the conversation is clearly related to the project
- 0.5-0.6: the conversation is only tangentially related
- 0.3-0.4: the connection is weak
- 0.0-0.2: there is no meaningful connection

Return a JSON object with exactly this structure and nothing else:
{"matchedProjectId": "<id of the single best project or null>", "confidence": <score>}

If no project scores above 0.0, return {"matchedProjectId": null, "confidence": 0.0}.`
