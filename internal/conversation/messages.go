package conversation

import "strings"

// Language is a conversation language code.
type Language string

const (
	English Language = "en"
	French  Language = "fr"
)

// ParseLanguage maps a request value to a Language. Anything but "fr"
// is English.
func ParseLanguage(s string) Language {
	if strings.EqualFold(strings.TrimSpace(s), string(French)) {
		return French
	}
	return English
}

// Shown before any language is chosen, so it names both.
const languagePrompt = "In which language would you like to communicate? (English/Français)"

type catalog struct {
	greeting         string
	resourceHeader   string
	noResources      string
	resourceLine     string
	found            string
	notFound         string
	askSummary       string
	summaryHeader    string
	noPublications   string
	askDetail        string
	detailHeader     string
	detailPrompt     string
	closing          string
	missingAPIKey    string
	apology          string
	rateLimited      string
	unreachable      string
	generationFailed string
	emptyAnswer      string
	streamTimeout    string
}

var catalogs = map[Language]catalog{
	English: {
		greeting:         "Great! How can I assist you today?",
		resourceHeader:   "Here is the list of resources available on the platform (%d):\n",
		noResources:      "No resources are available on the platform yet.",
		resourceLine:     "- %s (/resources/%d) - source: %s\n",
		found:            "I found %d publications you might be interested in:\n",
		notFound:         "I couldn't find any publications matching your search in our database. I'll perform a more thorough search...",
		askSummary:       "\n\nWould you like a brief summary of these publications? (Yes/No)",
		summaryHeader:    "Here's a brief summary of relevant publications:\n\n",
		noPublications:   "No relevant publications found in our database. I'll perform a broader search...",
		askDetail:        "\n\nWould you like a more detailed explanation? (Yes/No)",
		detailHeader:     "Here's a more detailed explanation:\n\n",
		detailPrompt:     "Give a detailed explanation of the following publications in relation to the question %q:\n",
		closing:          "Very well. Feel free to ask if you have any other questions!",
		missingAPIKey:    "[Configuration] GEMINI_API_KEY is missing. Add your key to the server environment to enable AI answers.",
		apology:          "Sorry, I couldn't generate a response right now. Please try again later.",
		rateLimited:      "Sorry, we have reached the request limit for now. Please wait a minute before trying again.",
		unreachable:      "Unable to connect to the Gemini API. Check your internet connection and API key.",
		generationFailed: "An error occurred while generating the response. Please try again later.",
		emptyAnswer:      "Sorry, I couldn't generate a response.",
		streamTimeout:    "The response took too long to generate. Please try again.",
	},
	French: {
		greeting:         "Parfait ! En quoi puis-je vous aider aujourd'hui ?",
		resourceHeader:   "Voici la liste des ressources disponibles sur la plateforme (%d) :\n",
		noResources:      "Aucune ressource n'est encore disponible sur la plateforme.",
		resourceLine:     "- %s (/resources/%d) - source : %s\n",
		found:            "J'ai trouvé %d publications qui pourraient vous intéresser :\n",
		notFound:         "Je n'ai pas trouvé de publications correspondant à votre recherche dans notre base de données. Je vais effectuer une recherche plus approfondie...",
		askSummary:       "\n\nSouhaitez-vous un bref résumé de ces publications ? (Oui/Non)",
		summaryHeader:    "Voici un bref résumé des publications pertinentes :\n\n",
		noPublications:   "Aucune publication pertinente trouvée dans notre base de données. Je vais effectuer une recherche plus large...",
		askDetail:        "\n\nSouhaitez-vous une explication plus détaillée ? (Oui/Non)",
		detailHeader:     "Voici une explication plus détaillée :\n\n",
		detailPrompt:     "Explique en détail les publications suivantes en lien avec la question %q :\n",
		closing:          "Très bien. N'hésitez pas si vous avez d'autres questions !",
		missingAPIKey:    "[Configuration] GEMINI_API_KEY manquante. Ajoutez votre clé dans l'environnement du serveur pour activer les réponses IA.",
		apology:          "Désolé, je n'ai pas pu générer de réponse pour le moment. Veuillez réessayer plus tard.",
		rateLimited:      "Désolé, nous avons atteint la limite de requêtes pour le moment. Veuillez patienter une minute avant de réessayer.",
		unreachable:      "Impossible de se connecter à l'API Gemini. Vérifiez votre connexion internet et votre clé API.",
		generationFailed: "Une erreur est survenue lors de la génération de la réponse. Veuillez réessayer plus tard.",
		emptyAnswer:      "Désolé, je n'ai pas pu générer de réponse.",
		streamTimeout:    "La génération de la réponse a pris trop de temps. Veuillez réessayer.",
	},
}

func (l Language) catalog() catalog {
	if c, ok := catalogs[l]; ok {
		return c
	}
	return catalogs[English]
}

// Message identifies a user-facing string owned by the engine but emitted
// by other layers.
type Message int

const (
	MissingAPIKey Message = iota
	Apology
	RateLimited
	Unreachable
	GenerationFailed
	EmptyAnswer
	StreamTimeout
)

// Text returns m in language l.
func (l Language) Text(m Message) string {
	c := l.catalog()
	switch m {
	case MissingAPIKey:
		return c.missingAPIKey
	case RateLimited:
		return c.rateLimited
	case Unreachable:
		return c.unreachable
	case GenerationFailed:
		return c.generationFailed
	case EmptyAnswer:
		return c.emptyAnswer
	case StreamTimeout:
		return c.streamTimeout
	default:
		return c.apology
	}
}
